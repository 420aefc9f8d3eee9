package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

const campaignColumns = `
	id, name, channel, content, recipients, scheduled_at, status, created_by, metadata,
	sent_count, failed_count, delivered_count, open_count, version, created_at, updated_at`

// CampaignFilter narrows FindByQuery/CountByQuery. Zero fields are ignored.
type CampaignFilter struct {
	Name      string // substring match
	Channel   model.Channel
	Status    model.CampaignStatus
	CreatedBy int64
}

// CampaignQuery is a filtered, sorted page request. Page is 1-based.
type CampaignQuery struct {
	Filter   CampaignFilter
	SortBy   string // createdAt|updatedAt|name|scheduledAt|status
	SortDesc bool
	Page     int
	Limit    int
}

// CampaignsRepository is the persistence boundary of the dispatch pipeline.
// Update and ApplyDelta are single-statement atomic writes; callers never
// read-modify-write a campaign.
type CampaignsRepository interface {
	// Create runs inside tx when it is non-nil.
	Create(ctx context.Context, tx *sqlx.Tx, c *model.Campaign) error
	FindByID(ctx context.Context, id string) (*model.Campaign, error)
	FindByQuery(ctx context.Context, q CampaignQuery) ([]model.Campaign, error)
	CountByQuery(ctx context.Context, f CampaignFilter) (int64, error)
	Update(ctx context.Context, id string, patch model.CampaignPatch) (*model.Campaign, error)
	ApplyDelta(ctx context.Context, id string, d model.CounterDelta) (*model.Campaign, error)
	Delete(ctx context.Context, id string) error
}

type CampaignsRepositoryImpl struct {
	db *sqlx.DB
}

func NewCampaignsRepository(db *sqlx.DB) *CampaignsRepositoryImpl {
	return &CampaignsRepositoryImpl{db: db}
}

var _ CampaignsRepository = (*CampaignsRepositoryImpl)(nil)

func (r *CampaignsRepositoryImpl) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return mapErr(err)
	}
	return mapErr(t.Commit())
}

// Create inserts c with zeroed counters and version 0. ID, status and
// timestamps must be set by the caller.
func (r *CampaignsRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, c *model.Campaign) error {
	const q = `
		INSERT INTO campaigns
		    (id, name, channel, content, recipients, scheduled_at, status, created_by, metadata,
		     sent_count, failed_count, delivered_count, open_count, version, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, 0, 0, ?, ?)
	`
	var exec sqlx.ExecerContext = r.db
	if tx != nil {
		exec = tx
	}
	_, err := exec.ExecContext(ctx, q,
		c.ID, c.Name, c.Channel.String(), c.Content, c.Recipients, c.ScheduledAt,
		c.Status.String(), c.CreatedBy, c.Metadata, c.CreatedAt, c.UpdatedAt,
	)
	return mapErr(err)
}

func (r *CampaignsRepositoryImpl) FindByID(ctx context.Context, id string) (*model.Campaign, error) {
	return findByID(ctx, r.db, id)
}

func findByID(ctx context.Context, q sqlx.QueryerContext, id string) (*model.Campaign, error) {
	var c model.Campaign
	err := sqlx.GetContext(ctx, q, &c, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

var sortColumns = map[string]string{
	"":            "created_at",
	"createdAt":   "created_at",
	"updatedAt":   "updated_at",
	"name":        "name",
	"scheduledAt": "scheduled_at",
	"status":      "status",
}

func (f CampaignFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Name != "" {
		conds = append(conds, "name LIKE ?")
		args = append(args, "%"+escapeLike(f.Name)+"%")
	}
	if f.Channel != "" {
		conds = append(conds, "channel = ?")
		args = append(args, f.Channel.String())
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status.String())
	}
	if f.CreatedBy > 0 {
		conds = append(conds, "created_by = ?")
		args = append(args, f.CreatedBy)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *CampaignsRepositoryImpl) FindByQuery(ctx context.Context, q CampaignQuery) ([]model.Campaign, error) {
	col, ok := sortColumns[q.SortBy]
	if !ok {
		return nil, fmt.Errorf("unsupported sort field %q", q.SortBy)
	}
	dir := "ASC"
	if q.SortDesc {
		dir = "DESC"
	}
	page, limit := NormalizePage(q.Page, q.Limit)

	where, args := q.Filter.where()
	stmt := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		` ORDER BY ` + col + ` ` + dir + `, id ` + dir + ` LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)

	var rows []model.Campaign
	if err := r.db.SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, mapErr(err)
	}
	return rows, nil
}

func (r *CampaignsRepositoryImpl) CountByQuery(ctx context.Context, f CampaignFilter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM campaigns`+where, args...); err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// Update merges patch in one statement and returns the row as written.
// Moving ScheduledAt to a new value puts a resting campaign back to
// "scheduled"; resending the stored value leaves the status alone.
func (r *CampaignsRepositoryImpl) Update(ctx context.Context, id string, patch model.CampaignPatch) (*model.Campaign, error) {
	if patch.Empty() {
		return r.FindByID(ctx, id)
	}

	var (
		sets []string
		args []any
	)
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Channel != nil {
		sets = append(sets, "channel = ?")
		args = append(args, patch.Channel.String())
	}
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Recipients != nil {
		sets = append(sets, "recipients = ?")
		args = append(args, model.StringList(*patch.Recipients))
	}
	if patch.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, model.Metadata(*patch.Metadata))
	}
	if patch.ScheduledAt != nil {
		// status goes first: MySQL evaluates SET left to right, so the CASE
		// must still see the old scheduled_at
		sets = append(sets,
			"status = CASE WHEN status <> 'in_progress' AND NOT (scheduled_at <=> ?) THEN 'scheduled' ELSE status END",
			"scheduled_at = ?")
		args = append(args, *patch.ScheduledAt, *patch.ScheduledAt)
	}
	sets = append(sets, "version = version + 1", "updated_at = NOW(6)")
	args = append(args, id)

	stmt := `UPDATE campaigns SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	var out *model.Campaign
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		out, err = findByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyDelta adds d to the counters and, when d.Status is set, moves the
// status if the current one is in d.Status.AllowedFrom(). Both happen in the
// same UPDATE so no increment is lost between concurrent writers, and the
// returned row reflects exactly this write.
func (r *CampaignsRepositoryImpl) ApplyDelta(ctx context.Context, id string, d model.CounterDelta) (*model.Campaign, error) {
	if d.Sent < 0 || d.Failed < 0 || d.Delivered < 0 || d.Opened < 0 {
		return nil, fmt.Errorf("negative counter delta %+v", d)
	}

	stmt := `
		UPDATE campaigns
		   SET sent_count      = sent_count + ?,
		       failed_count    = failed_count + ?,
		       delivered_count = delivered_count + ?,
		       open_count      = open_count + ?,`
	args := []any{d.Sent, d.Failed, d.Delivered, d.Opened}

	if d.Status != nil {
		stmt += `
		       status          = ?,`
		args = append(args, d.Status.String())
	}
	stmt += `
		       version         = version + 1,
		       updated_at      = NOW(6)
		 WHERE id = ?`
	args = append(args, id)

	if d.Status != nil {
		if from := d.Status.AllowedFrom(); len(from) > 0 {
			stmt += ` AND status IN (?)`
			args = append(args, from)
		}
	}

	query, qargs, err := sqlx.In(stmt, args...)
	if err != nil {
		return nil, err
	}
	query = r.db.Rebind(query)

	var out *model.Campaign
	err = r.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, qargs...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			cur, err := findByID(ctx, tx, id)
			if err != nil {
				return err
			}
			if d.Status == nil {
				return fmt.Errorf("campaign %s: no row changed: %w", id, ErrConflict)
			}
			return fmt.Errorf("campaign %s %s -> %s: %w", id, cur.Status, *d.Status, ErrInvalidTransition)
		}
		out, err = findByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *CampaignsRepositoryImpl) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

// NormalizePage clamps page >= 1 and 1 <= limit <= 100 (default 10).
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

// mapErr turns retryable MySQL lock errors into ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == mysqlErrDeadlock || me.Number == mysqlErrLockWaitTimeout) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
