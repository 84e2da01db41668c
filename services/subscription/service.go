package subscription

import (
	"context"
	"fmt"
	"time"

	"ticketteller/pkg/db/option"
	"ticketteller/pkg/errutil"
	"ticketteller/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("ticketteller/services/subscription")

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	now  func() time.Time

	subscriptions repository.Repository[Subscription]
	tickets       repository.Repository[Ticket]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		now:  func() time.Time { return time.Now().UTC() },

		subscriptions: repository.ProvideStore[Subscription](p.DB),
		tickets:       repository.ProvideStore[Ticket](p.DB),
	}
}

// NotFound reports an unknown subscription id as errutil.NotFound.
func NotFound(id string) error {
	return errutil.NotFound("subscription not found", nil, errutil.WithDetails(errutil.Detail{
		Field:   "subscription_id",
		Message: id,
	}))
}

func spanFields(span trace.Span) []zap.Field {
	sc := span.SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

func (s *Service) GetAllSubscriptions(ctx context.Context) ([]*Subscription, error) {
	ctx, span := tracer.Start(ctx, "subscription.GetAllSubscriptions")
	defer span.End()

	subs, err := s.subscriptions.Find(ctx, &Subscription{}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "created_at",
		OrderBy: "asc",
	}))
	if err != nil {
		zap.L().With(spanFields(span)...).Error("failed to list subscriptions", zap.Error(err))
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	return subs, nil
}

// GetSubscriptionByID returns nil without error when the id is unknown.
func (s *Service) GetSubscriptionByID(ctx context.Context, id string) (*Subscription, error) {
	ctx, span := tracer.Start(ctx, "subscription.GetSubscriptionByID")
	defer span.End()

	sub, err := s.subscriptions.FindOne(ctx, &Subscription{}, byID(id))
	if err != nil {
		zap.L().With(spanFields(span)...).Error("failed to query subscription", zap.String("subscription_id", id), zap.Error(err))
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	return sub, nil
}

func (s *Service) CreateSubscription(ctx context.Context, in *Subscription) (*Subscription, error) {
	ctx, span := tracer.Start(ctx, "subscription.CreateSubscription")
	defer span.End()

	if err := validate(in); err != nil {
		return nil, err
	}

	now := s.now()
	sub := *in
	sub.ID = s.node.Generate().String()
	sub.Tickets = nil
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.NextRefreshDate.IsZero() {
		sub.NextRefreshDate = now
	}

	if err := s.subscriptions.Create(ctx, &sub); err != nil {
		zap.L().With(spanFields(span)...).Error("failed to create subscription", zap.Error(err))
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	zap.L().With(spanFields(span)...).Info("subscription created",
		zap.String("subscription_id", sub.ID),
		zap.Int("refresh_amount", sub.RefreshAmount),
		zap.Duration("refresh_interval", sub.RefreshInterval),
	)

	return &sub, nil
}

// UpdateSubscription replaces the mutable fields of an existing subscription.
// NextRefreshDate is owned by RefreshTokens and is left untouched.
func (s *Service) UpdateSubscription(ctx context.Context, id string, in *Subscription) (bool, error) {
	ctx, span := tracer.Start(ctx, "subscription.UpdateSubscription")
	defer span.End()

	if err := validate(in); err != nil {
		return false, err
	}

	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subscriptions.WithTrx(tx).FindOne(ctx, &Subscription{}, byID(id), option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if sub == nil {
			return nil
		}
		found = true

		return s.subscriptions.WithTrx(tx).Update(ctx, id, map[string]any{
			"name":             in.Name,
			"description":      in.Description,
			"metadata":         in.Metadata,
			"ticket_lifetime":  in.TicketLifetime,
			"start_date":       in.StartDate,
			"end_date":         in.EndDate,
			"refresh_interval": in.RefreshInterval,
			"refresh_amount":   in.RefreshAmount,
			"updated_at":       s.now(),
		})
	})
	if err != nil {
		zap.L().With(spanFields(span)...).Error("failed to update subscription", zap.String("subscription_id", id), zap.Error(err))
		return false, fmt.Errorf("update subscription: %w", err)
	}

	return found, nil
}

// DeleteSubscription removes the subscription together with its tickets.
func (s *Service) DeleteSubscription(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "subscription.DeleteSubscription")
	defer span.End()

	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.subscriptions.WithTrx(tx).FindOne(ctx, &Subscription{}, byID(id), option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if sub == nil {
			return nil
		}

		if err := tx.Where("subscription_id = ?", id).Delete(&Ticket{}).Error; err != nil {
			return err
		}

		found, err = s.subscriptions.WithTrx(tx).Delete(ctx, id)
		return err
	})
	if err != nil {
		zap.L().With(spanFields(span)...).Error("failed to delete subscription", zap.String("subscription_id", id), zap.Error(err))
		return false, fmt.Errorf("delete subscription: %w", err)
	}

	if found {
		zap.L().With(spanFields(span)...).Info("subscription deleted", zap.String("subscription_id", id))
	}

	return found, nil
}

// UseSubscription leases the unleased ticket that expires first, or mints an
// already-leased overage ticket when the pool is empty. The subscription row
// stays locked from selection to commit.
func (s *Service) UseSubscription(ctx context.Context, subscriptionID, subject string) (*Ticket, error) {
	ctx, span := tracer.Start(ctx, "subscription.UseSubscription")
	defer span.End()

	log := zap.L().With(spanFields(span)...).With(zap.String("subscription_id", subscriptionID))

	var (
		leased *Ticket
		kind   string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}

		now := s.now()
		candidates, err := s.availableTickets(ctx, tx, sub.ID, now)
		if err != nil {
			return err
		}
		if t := NextAvailable(candidates, now); t != nil {
			if err := s.lease(tx, t, subject, now); err != nil {
				return err
			}
			leased, kind = t, leaseRegular
			return nil
		}

		t := newOverageTicket(s.node.Generate().String(), sub.ID, subject, now, sub.TicketLifetime)
		if err := s.tickets.WithTrx(tx).Create(ctx, t); err != nil {
			return err
		}
		leased, kind = t, leaseOverage
		return nil
	})
	if err != nil {
		if errutil.IsNotFound(err) {
			log.Warn("use of unknown subscription")
			return nil, err
		}
		log.Error("failed to lease ticket", zap.Error(err))
		return nil, fmt.Errorf("use subscription: %w", err)
	}

	ticketsLeased.WithLabelValues(kind).Inc()
	log.Info("ticket leased",
		zap.String("ticket_id", leased.ID),
		zap.String("subject", subject),
		zap.Bool("overage", leased.Overage),
	)

	return leased, nil
}

// lease marks t as used. The guard on the UPDATE keeps a ticket from ever
// being leased twice, even where the dialect ignores row locks.
func (s *Service) lease(tx *gorm.DB, t *Ticket, subject string, now time.Time) error {
	res := tx.Model(&Ticket{}).
		Where("id = ? AND subject IS NULL AND exhausted_date IS NULL", t.ID).
		Updates(map[string]any{
			"subject":        subject,
			"exhausted_date": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return errutil.Conflict("ticket already leased", nil, errutil.WithDetails(errutil.Detail{
			Field:   "ticket_id",
			Message: t.ID,
		}))
	}

	t.Subject = &subject
	t.ExhaustedDate = &now
	return nil
}

// RefreshTokens issues RefreshAmount fresh tickets once NextRefreshDate has
// passed and moves NextRefreshDate one interval past now. Calls before the
// due time change nothing.
func (s *Service) RefreshTokens(ctx context.Context, subscriptionID string) error {
	ctx, span := tracer.Start(ctx, "subscription.RefreshTokens")
	defer span.End()

	log := zap.L().With(spanFields(span)...).With(zap.String("subscription_id", subscriptionID))

	var (
		issued int
		due    bool
		next   time.Time
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}

		now := s.now()
		if !sub.RefreshDue(now) {
			return nil
		}
		due = true

		batch := make([]*Ticket, 0, max(sub.RefreshAmount, 0))
		for range max(sub.RefreshAmount, 0) {
			batch = append(batch, newRegularTicket(s.node.Generate().String(), sub.ID, now, sub.TicketLifetime))
		}

		if err := s.tickets.WithTrx(tx).BatchCreate(ctx, batch); err != nil {
			return err
		}

		next = now.Add(sub.RefreshInterval)
		if err := s.subscriptions.WithTrx(tx).Update(ctx, sub.ID, map[string]any{
			"next_refresh_date": next,
			"updated_at":        now,
		}); err != nil {
			return err
		}

		issued = len(batch)
		return nil
	})
	if err != nil {
		if errutil.IsNotFound(err) {
			return err
		}
		log.Error("failed to refresh tickets", zap.Error(err))
		return fmt.Errorf("refresh tokens: %w", err)
	}

	if !due {
		refreshes.WithLabelValues(refreshNotDue).Inc()
		log.Debug("refresh not due yet")
		return nil
	}

	refreshes.WithLabelValues(refreshApplied).Inc()
	ticketsIssued.Add(float64(issued))
	log.Info("tickets refreshed", zap.Int("issued", issued), zap.Time("next_refresh_date", next))

	return nil
}

func (s *Service) GetSubscriptionReport(ctx context.Context, subscriptionID string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "subscription.GetSubscriptionReport")
	defer span.End()

	tickets, err := s.snapshotTickets(ctx, subscriptionID)
	if err != nil {
		if !errutil.IsNotFound(err) {
			zap.L().With(spanFields(span)...).Error("failed to build report", zap.String("subscription_id", subscriptionID), zap.Error(err))
		}
		return nil, err
	}

	return BuildReport(tickets, s.now()), nil
}

// ListTickets returns every ticket of the subscription, oldest first.
func (s *Service) ListTickets(ctx context.Context, subscriptionID string) ([]*Ticket, error) {
	ctx, span := tracer.Start(ctx, "subscription.ListTickets")
	defer span.End()

	tickets, err := s.snapshotTickets(ctx, subscriptionID)
	if err != nil {
		if !errutil.IsNotFound(err) {
			zap.L().With(spanFields(span)...).Error("failed to list tickets", zap.String("subscription_id", subscriptionID), zap.Error(err))
		}
		return nil, err
	}

	return tickets, nil
}

// snapshotTickets reads the subscription and its tickets, oldest first, in one
// transaction without locking.
func (s *Service) snapshotTickets(ctx context.Context, subscriptionID string) ([]*Ticket, error) {
	var sub *Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = s.subscriptions.WithTrx(tx).FindOne(ctx, &Subscription{}, byID(subscriptionID),
			option.WithPreload("Tickets", func(db *gorm.DB) *gorm.DB {
				return db.Order("creation_date asc").Order("id asc")
			}),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load tickets: %w", err)
	}
	if sub == nil {
		return nil, NotFound(subscriptionID)
	}

	tickets := make([]*Ticket, len(sub.Tickets))
	for i := range sub.Tickets {
		tickets[i] = &sub.Tickets[i]
	}
	return tickets, nil
}

// lockSubscription takes the row lock that serializes every mutation of one
// subscription's tickets.
func (s *Service) lockSubscription(ctx context.Context, tx *gorm.DB, subscriptionID string) (*Subscription, error) {
	sub, err := s.subscriptions.WithTrx(tx).FindOne(ctx, &Subscription{}, byID(subscriptionID), option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, NotFound(subscriptionID)
	}
	return sub, nil
}

// availableTickets returns the first leasable ticket in lease order, or none.
func (s *Service) availableTickets(ctx context.Context, tx *gorm.DB, subscriptionID string, now time.Time) ([]*Ticket, error) {
	return s.tickets.WithTrx(tx).Find(ctx, &Ticket{},
		bySubscription(subscriptionID),
		option.ApplyOperator(
			option.Condition{Field: "subject", Operator: option.IsNull},
			option.Condition{Field: "exhausted_date", Operator: option.IsNull},
			option.Condition{Field: "expiration_date", Operator: option.GT, Value: now},
		),
		option.WithSortBy(option.QuerySortBy{SortBy: "expiration_date", OrderBy: "asc"}),
		option.WithSortBy(option.QuerySortBy{SortBy: "creation_date", OrderBy: "asc"}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc"}),
		option.WithLimit(1),
	)
}

// byID matches the primary key with an explicit condition. A struct condition
// drops an empty id and would match any row.
func byID(id string) option.QueryOption {
	return option.ApplyOperator(option.Condition{Field: "id", Operator: option.EQ, Value: id})
}

func bySubscription(id string) option.QueryOption {
	return option.ApplyOperator(option.Condition{Field: "subscription_id", Operator: option.EQ, Value: id})
}

func validate(in *Subscription) error {
	if in == nil {
		return errutil.BadRequest("subscription is required", nil)
	}

	var details []errutil.Detail
	if in.TicketLifetime < 0 {
		details = append(details, errutil.Detail{Field: "ticket_lifetime", Message: "must not be negative"})
	}
	if in.RefreshInterval < 0 {
		details = append(details, errutil.Detail{Field: "refresh_interval", Message: "must not be negative"})
	}
	if in.RefreshAmount < 0 {
		details = append(details, errutil.Detail{Field: "refresh_amount", Message: "must not be negative"})
	}

	if len(details) > 0 {
		return errutil.ValidationFailed("invalid subscription", nil, errutil.WithDetails(details...))
	}
	return nil
}
