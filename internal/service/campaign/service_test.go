package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/notify"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/repository/memrepo"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	op  string
	msg model.DispatchMessage
	at  time.Time
}

type fakePublisher struct {
	mu        sync.Mutex
	calls     []published
	cancelled []string
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, msg model.DispatchMessage, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, published{"publish", msg, at})
	return nil
}

func (f *fakePublisher) PublishWith(_ context.Context, msg model.DispatchMessage, at time.Time, write func(*sqlx.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err := write(nil); err != nil {
		return err
	}
	f.calls = append(f.calls, published{"publish", msg, at})
	return nil
}

func (f *fakePublisher) Reschedule(_ context.Context, msg model.DispatchMessage, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, published{"reschedule", msg, at})
	return nil
}

func (f *fakePublisher) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

type events struct {
	mu    sync.Mutex
	names []string
}

func (e *events) Emit(_ context.Context, ev notify.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = append(e.names, ev.Name)
}

type fixture struct {
	repo *memrepo.Campaigns
	pub  *fakePublisher
	ev   *events
	svc  *Service
}

func newFixture() fixture {
	repo := memrepo.NewCampaigns()
	pub := &fakePublisher{}
	ev := &events{}
	return fixture{repo: repo, pub: pub, ev: ev, svc: New(repo, pub, ev, "1", zap.NewNop())}
}

func emailInput() CreateInput {
	return CreateInput{
		Name:       "  Spring sale ",
		Channel:    "Email",
		Content:    "<p>20% off</p>",
		Recipients: []string{"a@Example.com", "b@example.com", "a@example.com"},
	}
}

func TestCreateDraft(t *testing.T) {
	f := newFixture()

	c, err := f.svc.Create(context.Background(), emailInput(), 7)
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "Spring sale", c.Name)
	assert.Equal(t, model.ChannelEmail, c.Channel)
	assert.Equal(t, model.StatusDraft, c.Status)
	assert.Equal(t, model.StringList{"a@example.com", "b@example.com", "a@example.com"}, c.Recipients, "order kept, duplicates allowed")
	assert.Equal(t, model.Counters{}, c.Counters)
	assert.EqualValues(t, 7, c.CreatedBy)

	stored, err := f.repo.FindByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Name, stored.Name)

	assert.Empty(t, f.pub.calls, "a draft is not dispatched")
	assert.Equal(t, []string{model.EventCampaignCreated}, f.ev.names)
}

func TestCreateScheduledPublishesDelayedDispatch(t *testing.T) {
	f := newFixture()
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	in := emailInput()
	in.ScheduledAt = &at
	c, err := f.svc.Create(context.Background(), in, 7)
	require.NoError(t, err)

	assert.Equal(t, model.StatusScheduled, c.Status)
	require.Len(t, f.pub.calls, 1)
	call := f.pub.calls[0]
	assert.Equal(t, "publish", call.op)
	assert.True(t, call.at.Equal(at))
	assert.Equal(t, c.ID, call.msg.CampaignID)
	assert.NotEmpty(t, call.msg.RunID)
	assert.Equal(t, []string(c.Recipients), call.msg.Recipients)
}

func TestCreateScheduledStoresNothingWhenDispatchFails(t *testing.T) {
	f := newFixture()
	f.pub.err = errors.New("outbox insert failed")
	at := time.Now().Add(time.Hour)

	in := emailInput()
	in.ScheduledAt = &at
	_, err := f.svc.Create(context.Background(), in, 7)
	require.Error(t, err)

	n, err := f.repo.CountByQuery(context.Background(), repository.CampaignFilter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.ev.names)
}

func TestCreateValidation(t *testing.T) {
	cases := map[string]func(*CreateInput){
		"name":       func(in *CreateInput) { in.Name = " " },
		"channel":    func(in *CreateInput) { in.Channel = "fax" },
		"content":    func(in *CreateInput) { in.Content = "" },
		"recipients": func(in *CreateInput) { in.Recipients = []string{"ok@example.com", "nope"} },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			f := newFixture()
			in := emailInput()
			mutate(&in)

			_, err := f.svc.Create(context.Background(), in, 7)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, field, ve.Field)
			assert.True(t, IsValidation(err))
			n, _ := f.repo.CountByQuery(context.Background(), repository.CampaignFilter{})
			assert.Zero(t, n)
		})
	}
}

func TestCreateNormalizesSMSRecipients(t *testing.T) {
	f := newFixture()
	c, err := f.svc.Create(context.Background(), CreateInput{
		Name: "sms", Channel: "sms", Content: "hi", Recipients: []string{"(415) 555-0100", "+44 20 7946 0000"},
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StringList{"+14155550100", "+442079460000"}, c.Recipients)
}

func TestDispatchNowUnknownCampaignPublishesNothing(t *testing.T) {
	f := newFixture()

	_, err := f.svc.DispatchNow(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")

	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, f.pub.calls)
}

func TestDispatchNowPublishesExactlyOnce(t *testing.T) {
	f := newFixture()
	at := time.Now().Add(24 * time.Hour)
	in := emailInput()
	in.ScheduledAt = &at
	c, err := f.svc.Create(context.Background(), in, 7)
	require.NoError(t, err)
	f.pub.calls = nil

	r, err := f.svc.DispatchNow(context.Background(), c.ID)
	require.NoError(t, err)

	assert.True(t, r.Queued)
	require.Len(t, f.pub.calls, 1)
	assert.Equal(t, r.RunID, f.pub.calls[0].msg.RunID)
	assert.True(t, f.pub.calls[0].at.IsZero(), "due immediately")
	assert.Nil(t, f.pub.calls[0].msg.ScheduledAt)
}

func TestDispatchNowPublishError(t *testing.T) {
	f := newFixture()
	c, err := f.svc.Create(context.Background(), emailInput(), 7)
	require.NoError(t, err)

	f.pub.err = errors.New("db down")
	_, err = f.svc.DispatchNow(context.Background(), c.ID)
	assert.Error(t, err)
}

func TestUpdateRetriggersOnlyWhenScheduleMoves(t *testing.T) {
	f := newFixture()
	c, err := f.svc.Create(context.Background(), emailInput(), 7)
	require.NoError(t, err)

	name := "Renamed"
	u, err := f.svc.Update(context.Background(), c.ID, model.CampaignPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", u.Name)
	assert.Empty(t, f.pub.calls, "non-schedule edits never dispatch")

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	u, err = f.svc.Update(context.Background(), c.ID, model.CampaignPatch{ScheduledAt: &at})
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, u.Status)
	require.Len(t, f.pub.calls, 1)
	assert.Equal(t, "reschedule", f.pub.calls[0].op)
	assert.True(t, f.pub.calls[0].at.Equal(at))

	same := at
	_, err = f.svc.Update(context.Background(), c.ID, model.CampaignPatch{ScheduledAt: &same})
	require.NoError(t, err)
	assert.Len(t, f.pub.calls, 1, "an unchanged schedule is not re-queued")

	assert.Equal(t, []string{
		model.EventCampaignCreated, model.EventCampaignUpdated, model.EventCampaignUpdated, model.EventCampaignUpdated,
	}, f.ev.names)
}

func TestUpdateSameScheduleKeepsFinishedStatus(t *testing.T) {
	f := newFixture()
	at := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	in := emailInput()
	in.ScheduledAt = &at
	c, err := f.svc.Create(context.Background(), in, 7)
	require.NoError(t, err)

	for _, st := range []model.CampaignStatus{model.StatusInProgress, model.StatusCompleted} {
		_, err := f.repo.ApplyDelta(context.Background(), c.ID, model.CounterDelta{Status: model.StatusPtr(st)})
		require.NoError(t, err)
	}
	f.pub.calls = nil

	name := "Edited"
	same := at.In(time.FixedZone("UTC+2", 2*3600))
	u, err := f.svc.Update(context.Background(), c.ID, model.CampaignPatch{Name: &name, ScheduledAt: &same})
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, u.Status)
	assert.Empty(t, f.pub.calls)

	later := at.Add(time.Hour)
	u, err = f.svc.Update(context.Background(), c.ID, model.CampaignPatch{ScheduledAt: &later})
	require.NoError(t, err)
	assert.Equal(t, model.StatusScheduled, u.Status)
	require.Len(t, f.pub.calls, 1)
	assert.Equal(t, "reschedule", f.pub.calls[0].op)
}

func TestUpdateChannelSwitchRevalidatesRecipients(t *testing.T) {
	f := newFixture()
	c, err := f.svc.Create(context.Background(), emailInput(), 7)
	require.NoError(t, err)

	sms := model.ChannelSMS
	_, err = f.svc.Update(context.Background(), c.ID, model.CampaignPatch{Channel: &sms})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "recipients", ve.Field)
}

func TestUpdateMissing(t *testing.T) {
	f := newFixture()
	name := "x"
	_, err := f.svc.Update(context.Background(), "missing", model.CampaignPatch{Name: &name})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAnalyticsOverview(t *testing.T) {
	f := newFixture()
	put := func(id string, ch model.Channel, by int64, sent, delivered int64) {
		f.repo.Put(model.Campaign{
			ID: id, Channel: ch, CreatedBy: by, Status: model.StatusCompleted,
			Counters: model.Counters{SentCount: sent, DeliveredCount: delivered},
		})
	}
	put("e1", model.ChannelEmail, 1, 10, 9)
	put("e2", model.ChannelEmail, 1, 5, 5)
	put("s1", model.ChannelSMS, 1, 3, 2)
	put("o1", model.ChannelSMS, 2, 100, 100)

	got, err := f.svc.AnalyticsOverview(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.AnalyticsOverview{
		TotalCampaigns: 3, TotalEmailsSent: 15, TotalSMSSent: 3, TotalDelivered: 16,
	}, got)
}

func TestAnalyticsOverviewPagesThroughEverything(t *testing.T) {
	f := newFixture()
	for i := 0; i < overviewPageSize+5; i++ {
		f.repo.Put(model.Campaign{
			ID: string(rune('a'+i/26)) + string(rune('a'+i%26)), Channel: model.ChannelEmail, CreatedBy: 1,
			CreatedAt: time.Unix(int64(i), 0), Counters: model.Counters{SentCount: 1},
		})
	}

	got, err := f.svc.AnalyticsOverview(context.Background(), 1)
	require.NoError(t, err)
	assert.EqualValues(t, overviewPageSize+5, got.TotalCampaigns)
	assert.EqualValues(t, overviewPageSize+5, got.TotalEmailsSent)
}

func TestListAndDelete(t *testing.T) {
	f := newFixture()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Create(context.Background(), emailInput(), 7)
		require.NoError(t, err)
	}

	p, err := f.svc.List(context.Background(), repository.CampaignQuery{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, p.Items, 2)
	assert.EqualValues(t, 3, p.Total)

	id := p.Items[0].ID
	require.NoError(t, f.svc.Delete(context.Background(), id))
	assert.Equal(t, []string{id}, f.pub.cancelled)

	_, err = f.svc.Get(context.Background(), id)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(context.Background(), id), repository.ErrNotFound)
}
