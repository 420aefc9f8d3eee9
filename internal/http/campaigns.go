package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/http/middleware"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/service/campaign"
	"github.com/labstack/echo/v4"
)

// CampaignService is the orchestrator as seen by the API.
type CampaignService interface {
	Create(ctx context.Context, in campaign.CreateInput, creatorID int64) (*model.Campaign, error)
	Update(ctx context.Context, id string, patch model.CampaignPatch) (*model.Campaign, error)
	DispatchNow(ctx context.Context, id string) (campaign.DispatchReceipt, error)
	AnalyticsOverview(ctx context.Context, creatorID int64) (model.AnalyticsOverview, error)
	Get(ctx context.Context, id string) (*model.Campaign, error)
	List(ctx context.Context, q repository.CampaignQuery) (campaign.Page, error)
	Delete(ctx context.Context, id string) error
}

type HistoryReader interface {
	ListByCampaign(ctx context.Context, campaignID string, since time.Time, limit, offset int) ([]model.StatusEvent, error)
}

func registerCampaignRoutes(g *echo.Group, svc CampaignService, history HistoryReader) {
	g.POST("/campaigns", createCampaignHandler(svc))
	g.GET("/campaigns", listCampaignsHandler(svc))
	// static segment is matched before :id
	g.GET("/campaigns/analytics/overview", analyticsOverviewHandler(svc))
	g.GET("/campaigns/:id", getCampaignHandler(svc))
	g.PUT("/campaigns/:id", updateCampaignHandler(svc))
	g.DELETE("/campaigns/:id", deleteCampaignHandler(svc))
	g.POST("/campaigns/:id/send", sendCampaignHandler(svc))
	g.GET("/campaigns/:id/history", campaignHistoryHandler(svc, history))
}

type createReq struct {
	Name        string            `json:"name"`
	Channel     string            `json:"channel"`
	Content     string            `json:"content"`
	Recipients  []string          `json:"recipients"`
	ScheduledAt *time.Time        `json:"scheduledAt"`
	Metadata    map[string]string `json:"metadata"`
}

type updateReq struct {
	Name        *string            `json:"name"`
	Channel     *string            `json:"channel"`
	Content     *string            `json:"content"`
	Recipients  *[]string          `json:"recipients"`
	ScheduledAt *time.Time         `json:"scheduledAt"`
	Metadata    *map[string]string `json:"metadata"`
}

func (r updateReq) patch() model.CampaignPatch {
	p := model.CampaignPatch{
		Name:        r.Name,
		Content:     r.Content,
		Recipients:  r.Recipients,
		ScheduledAt: r.ScheduledAt,
		Metadata:    r.Metadata,
	}
	if r.Channel != nil {
		ch := model.Channel(*r.Channel)
		p.Channel = &ch
	}
	return p
}

func createCampaignHandler(svc CampaignService) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req createReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		out, err := svc.Create(c.Request().Context(), campaign.CreateInput{
			Name:        req.Name,
			Channel:     req.Channel,
			Content:     req.Content,
			Recipients:  req.Recipients,
			ScheduledAt: req.ScheduledAt,
			Metadata:    req.Metadata,
		}, userID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, out)
	}
}

func listCampaignsHandler(svc CampaignService) echo.HandlerFunc {
	return func(c echo.Context) error {
		q := repository.CampaignQuery{
			Filter: repository.CampaignFilter{
				Name:    strings.TrimSpace(c.QueryParam("name")),
				Channel: model.Channel(strings.TrimSpace(c.QueryParam("channel"))),
				Status:  model.CampaignStatus(strings.TrimSpace(c.QueryParam("status"))),
			},
			SortBy:   c.QueryParam("sortBy"),
			SortDesc: strings.EqualFold(c.QueryParam("sortOrder"), "desc"),
			Page:     intParam(c, "page", 1),
			Limit:    intParam(c, "limit", 10),
		}
		if v := c.QueryParam("createdBy"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid createdBy"})
			}
			q.Filter.CreatedBy = id
		}
		if q.Filter.Channel != "" && !q.Filter.Channel.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid channel"})
		}
		if q.Filter.Status != "" && !q.Filter.Status.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
		}
		switch q.SortBy {
		case "", "createdAt", "updatedAt", "name", "scheduledAt", "status":
		default:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid sortBy"})
		}

		page, err := svc.List(c.Request().Context(), q)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, page)
	}
}

func getCampaignHandler(svc CampaignService) echo.HandlerFunc {
	return func(c echo.Context) error {
		out, err := svc.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, out)
	}
}

func updateCampaignHandler(svc CampaignService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req updateReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		out, err := svc.Update(c.Request().Context(), c.Param("id"), req.patch())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, out)
	}
}

func deleteCampaignHandler(svc CampaignService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func sendCampaignHandler(svc CampaignService) echo.HandlerFunc {
	return func(c echo.Context) error {
		receipt, err := svc.DispatchNow(c.Request().Context(), c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusAccepted, receipt)
	}
}

func analyticsOverviewHandler(svc CampaignService) echo.HandlerFunc {
	return func(c echo.Context) error {
		creator, _ := middleware.UserIDFromCtx(c)
		if v := c.QueryParam("createdBy"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id <= 0 {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid createdBy"})
			}
			creator = id
		}
		if creator <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "createdBy required"})
		}

		out, err := svc.AnalyticsOverview(c.Request().Context(), creator)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, out)
	}
}

func campaignHistoryHandler(svc CampaignService, history HistoryReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if _, err := svc.Get(c.Request().Context(), id); err != nil {
			return writeError(c, err)
		}

		limit := intParam(c, "limit", 50)
		if limit <= 0 || limit > 1000 {
			limit = 50
		}
		offset := intParam(c, "offset", 0)
		if offset < 0 {
			offset = 0
		}

		var since time.Time
		if v := c.QueryParam("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			}
			since = t
		}

		rows, err := history.ListByCampaign(c.Request().Context(), id, since, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse history failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if rows == nil {
			rows = []model.StatusEvent{}
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}

func intParam(c echo.Context, name string, def int) int {
	v := c.QueryParam(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
