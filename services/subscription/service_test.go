package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"ticketteller/pkg/errutil"
	"ticketteller/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock) {
	t.Helper()

	db := testutil.NewTestDB(t, &Subscription{}, &Ticket{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := &clock{now: t0}
	svc := NewService(ServiceParams{DB: db, Node: node})
	svc.now = clk.Now
	return svc, db, clk
}

func createSub(t *testing.T, svc *Service, amount int) *Subscription {
	t.Helper()
	sub, err := svc.CreateSubscription(context.Background(), &Subscription{
		Name:            "plan",
		TicketLifetime:  24 * time.Hour,
		RefreshInterval: time.Hour,
		RefreshAmount:   amount,
	})
	require.NoError(t, err)
	return sub
}

func insertTicket(t *testing.T, db *gorm.DB, tk Ticket) {
	t.Helper()
	require.NoError(t, db.Create(&tk).Error)
}

func countTickets(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&Ticket{}).Count(&n).Error)
	return n
}

func TestCreateSubscriptionDefaultsNextRefresh(t *testing.T) {
	svc, _, _ := newTestService(t)

	sub := createSub(t, svc, 2)
	require.NotEmpty(t, sub.ID)
	require.True(t, sub.NextRefreshDate.Equal(t0))

	got, err := svc.GetSubscriptionByID(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, "plan", got.Name)
	require.Equal(t, 24*time.Hour, got.TicketLifetime)
}

func TestCreateSubscriptionValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateSubscription(context.Background(), &Subscription{RefreshAmount: -1, RefreshInterval: -time.Second})
	require.Error(t, err)
	require.Equal(t, errutil.StatusValidationFailed, errutil.StatusOf(err))
	require.Len(t, errutil.AsBaseError(err).Details, 2)

	subs, err := svc.GetAllSubscriptions(context.Background())
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestGetSubscriptionByIDUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)

	got, err := svc.GetSubscriptionByID(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateSubscriptionKeepsNextRefresh(t *testing.T) {
	svc, _, _ := newTestService(t)
	sub := createSub(t, svc, 2)

	ok, err := svc.UpdateSubscription(context.Background(), sub.ID, &Subscription{
		Name:            "renamed",
		TicketLifetime:  time.Hour,
		RefreshInterval: 2 * time.Hour,
		RefreshAmount:   5,
		NextRefreshDate: t0.Add(100 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := svc.GetSubscriptionByID(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.Equal(t, 5, got.RefreshAmount)
	require.True(t, got.NextRefreshDate.Equal(t0))

	ok, err = svc.UpdateSubscription(context.Background(), "missing", &Subscription{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubscriptionDatesAreOptional(t *testing.T) {
	svc, _, _ := newTestService(t)
	sub := createSub(t, svc, 0)

	got, err := svc.GetSubscriptionByID(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Nil(t, got.StartDate)
	require.Nil(t, got.EndDate)

	start, end := t0.Add(-time.Hour), t0.Add(30*24*time.Hour)
	ok, err := svc.UpdateSubscription(context.Background(), sub.ID, &Subscription{
		Name:            "plan",
		TicketLifetime:  24 * time.Hour,
		RefreshInterval: time.Hour,
		StartDate:       &start,
		EndDate:         &end,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err = svc.GetSubscriptionByID(context.Background(), sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartDate)
	require.True(t, got.StartDate.Equal(start))
	require.True(t, got.EndDate.Equal(end))

	ok, err = svc.UpdateSubscription(context.Background(), sub.ID, &Subscription{
		Name:            "plan",
		TicketLifetime:  24 * time.Hour,
		RefreshInterval: time.Hour,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err = svc.GetSubscriptionByID(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Nil(t, got.StartDate)
	require.Nil(t, got.EndDate)
}

func TestDeleteSubscriptionCascades(t *testing.T) {
	svc, db, _ := newTestService(t)
	sub := createSub(t, svc, 3)
	other := createSub(t, svc, 1)
	require.NoError(t, svc.RefreshTokens(context.Background(), sub.ID))
	require.NoError(t, svc.RefreshTokens(context.Background(), other.ID))
	require.Equal(t, int64(4), countTickets(t, db))

	ok, err := svc.DeleteSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), countTickets(t, db))

	ok, err = svc.DeleteSubscription(context.Background(), sub.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUseSubscriptionPicksEarliestExpiry(t *testing.T) {
	svc, db, _ := newTestService(t)
	sub := createSub(t, svc, 0)

	insertTicket(t, db, Ticket{ID: "late", SubscriptionID: sub.ID, CreationDate: t0, ExpirationDate: t0.Add(3 * time.Hour)})
	insertTicket(t, db, Ticket{ID: "early", SubscriptionID: sub.ID, CreationDate: t0, ExpirationDate: t0.Add(time.Hour)})
	insertTicket(t, db, Ticket{ID: "expired", SubscriptionID: sub.ID, CreationDate: t0.Add(-2 * time.Hour), ExpirationDate: t0.Add(-time.Hour)})

	tk, err := svc.UseSubscription(context.Background(), sub.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, "early", tk.ID)
	require.False(t, tk.Overage)
	require.Equal(t, "alice", *tk.Subject)
	require.True(t, tk.ExhaustedDate.Equal(t0))

	tk, err = svc.UseSubscription(context.Background(), sub.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, "late", tk.ID)

	// only the expired ticket is left and it is never leased
	tk, err = svc.UseSubscription(context.Background(), sub.ID, "carol")
	require.NoError(t, err)
	require.True(t, tk.Overage)

	var expired Ticket
	require.NoError(t, db.First(&expired, "id = ?", "expired").Error)
	require.Nil(t, expired.Subject)
	require.Nil(t, expired.ExhaustedDate)
}

func TestUseSubscriptionOverageWhenEmpty(t *testing.T) {
	svc, db, _ := newTestService(t)
	sub := createSub(t, svc, 0)

	tk, err := svc.UseSubscription(context.Background(), sub.ID, "alice")
	require.NoError(t, err)
	require.True(t, tk.Overage)
	require.Equal(t, "alice", *tk.Subject)
	require.True(t, tk.CreationDate.Equal(t0))
	require.True(t, tk.ExhaustedDate.Equal(t0))
	require.True(t, tk.ExpirationDate.Equal(t0.Add(24*time.Hour)))
	require.Equal(t, int64(1), countTickets(t, db))
}

func TestUseSubscriptionNotFound(t *testing.T) {
	svc, db, _ := newTestService(t)

	_, err := svc.UseSubscription(context.Background(), "missing", "alice")
	require.True(t, errutil.IsNotFound(err))
	require.Zero(t, countTickets(t, db))
}

func TestUseSubscriptionConcurrentLeases(t *testing.T) {
	const (
		pool    = 5
		callers = 12
	)

	svc, _, _ := newTestService(t)
	sub := createSub(t, svc, pool)
	require.NoError(t, svc.RefreshTokens(context.Background(), sub.ID))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		leased  = map[string]string{}
		overage int
		errs    []error
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			subject := fmt.Sprintf("subject-%d", i)
			tk, err := svc.UseSubscription(context.Background(), sub.ID, subject)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if tk.Overage {
				overage++
				return
			}
			if prev, dup := leased[tk.ID]; dup {
				errs = append(errs, fmt.Errorf("ticket %s leased to %s and %s", tk.ID, prev, subject))
				return
			}
			leased[tk.ID] = subject
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, leased, pool)
	require.Equal(t, callers-pool, overage)

	report, err := svc.GetSubscriptionReport(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, callers, report.ExhaustedCount)
	require.Equal(t, callers-pool, report.OverageCount)
}

func TestRefreshTokensNotDueIsNoop(t *testing.T) {
	svc, db, clk := newTestService(t)
	sub := createSub(t, svc, 3)

	require.NoError(t, svc.RefreshTokens(context.Background(), sub.ID))
	require.Equal(t, int64(3), countTickets(t, db))

	clk.Set(t0.Add(59 * time.Minute))
	require.NoError(t, svc.RefreshTokens(context.Background(), sub.ID))
	require.NoError(t, svc.RefreshTokens(context.Background(), sub.ID))
	require.Equal(t, int64(3), countTickets(t, db))

	got, err := svc.GetSubscriptionByID(context.Background(), sub.ID)
	require.NoError(t, err)
	require.True(t, got.NextRefreshDate.Equal(t0.Add(time.Hour)))
}

func TestRefreshTokensReplenishes(t *testing.T) {
	svc, _, clk := newTestService(t)
	sub := createSub(t, svc, 2)
	require.NoError(t, svc.RefreshTokens(context.Background(), sub.ID))

	due := t0.Add(90 * time.Minute)
	clk.Set(due)
	require.NoError(t, svc.RefreshTokens(context.Background(), sub.ID))

	tickets, err := svc.ListTickets(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 4)

	fresh := tickets[2:]
	for _, tk := range fresh {
		require.True(t, tk.CreationDate.Equal(due))
		require.True(t, tk.ExpirationDate.Equal(due.Add(24*time.Hour)))
		require.Nil(t, tk.Subject)
		require.Nil(t, tk.ExhaustedDate)
		require.False(t, tk.Overage)
	}

	got, err := svc.GetSubscriptionByID(context.Background(), sub.ID)
	require.NoError(t, err)
	require.True(t, got.NextRefreshDate.Equal(due.Add(time.Hour)))
}

func TestRefreshTokensNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.RefreshTokens(context.Background(), "missing")
	require.True(t, errutil.IsNotFound(err))
}

func TestGetSubscriptionReportCountsOverlap(t *testing.T) {
	svc, db, clk := newTestService(t)
	sub := createSub(t, svc, 0)

	insertTicket(t, db, Ticket{ID: "stale", SubscriptionID: sub.ID, CreationDate: t0.Add(-48 * time.Hour), ExpirationDate: t0.Add(-24 * time.Hour)})
	insertTicket(t, db, Ticket{ID: "fresh", SubscriptionID: sub.ID, CreationDate: t0, ExpirationDate: t0.Add(time.Hour)})

	_, err := svc.UseSubscription(context.Background(), sub.ID, "alice")
	require.NoError(t, err)
	tk, err := svc.UseSubscription(context.Background(), sub.ID, "bob")
	require.NoError(t, err)
	require.True(t, tk.Overage)

	clk.Set(t0.Add(time.Minute))
	report, err := svc.GetSubscriptionReport(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, &Report{ExhaustedCount: 2, ExpiredButNotExhaustedCount: 1, OverageCount: 1}, report)
}

func TestGetSubscriptionReportNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GetSubscriptionReport(context.Background(), "missing")
	require.True(t, errutil.IsNotFound(err))

	_, err = svc.ListTickets(context.Background(), "missing")
	require.True(t, errutil.IsNotFound(err))
}

func TestLeaseRejectsAlreadyLeasedTicket(t *testing.T) {
	svc, db, _ := newTestService(t)
	sub := createSub(t, svc, 0)
	subject := "alice"
	insertTicket(t, db, Ticket{ID: "taken", SubscriptionID: sub.ID, CreationDate: t0, ExpirationDate: t0.Add(time.Hour), Subject: &subject, ExhaustedDate: &t0})

	err := svc.lease(db, &Ticket{ID: "taken"}, "bob", t0)
	require.Equal(t, errutil.StatusConflict, errutil.StatusOf(err))
}

func TestEmptySubscriptionIDIsNotFound(t *testing.T) {
	svc, db, _ := newTestService(t)
	sub := createSub(t, svc, 2)
	require.NoError(t, svc.RefreshTokens(context.Background(), sub.ID))

	got, err := svc.GetSubscriptionByID(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = svc.UseSubscription(context.Background(), "", "alice")
	require.True(t, errutil.IsNotFound(err))

	err = svc.RefreshTokens(context.Background(), "")
	require.True(t, errutil.IsNotFound(err))

	_, err = svc.GetSubscriptionReport(context.Background(), "")
	require.True(t, errutil.IsNotFound(err))

	_, err = svc.ListTickets(context.Background(), "")
	require.True(t, errutil.IsNotFound(err))

	ok, err := svc.UpdateSubscription(context.Background(), "", &Subscription{Name: "x"})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.DeleteSubscription(context.Background(), "")
	require.NoError(t, err)
	require.False(t, ok)

	// nothing was leased, minted or removed
	require.Equal(t, int64(2), countTickets(t, db))
	report, err := svc.GetSubscriptionReport(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Equal(t, &Report{}, report)
}

func TestUseSubscriptionStaysWithinSubscription(t *testing.T) {
	svc, db, _ := newTestService(t)
	empty := createSub(t, svc, 0)
	other := createSub(t, svc, 0)
	insertTicket(t, db, Ticket{ID: "foreign", SubscriptionID: other.ID, CreationDate: t0, ExpirationDate: t0.Add(time.Hour)})

	tk, err := svc.UseSubscription(context.Background(), empty.ID, "alice")
	require.NoError(t, err)
	require.True(t, tk.Overage)
	require.Equal(t, empty.ID, tk.SubscriptionID)

	var foreign Ticket
	require.NoError(t, db.First(&foreign, "id = ?", "foreign").Error)
	require.Nil(t, foreign.Subject)
}
