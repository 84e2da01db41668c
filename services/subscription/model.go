package subscription

import (
	"time"

	"gorm.io/datatypes"
)

type Subscription struct {
	ID              string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	Name            string         `gorm:"column:name;type:varchar(200)"`
	Description     string         `gorm:"column:description;type:text"`
	Metadata        datatypes.JSON `gorm:"column:metadata"`
	TicketLifetime  time.Duration  `gorm:"column:ticket_lifetime;not null"`
	StartDate       *time.Time     `gorm:"column:start_date"`
	EndDate         *time.Time     `gorm:"column:end_date"`
	RefreshInterval time.Duration  `gorm:"column:refresh_interval;not null"`
	RefreshAmount   int            `gorm:"column:refresh_amount;not null"`
	NextRefreshDate time.Time      `gorm:"column:next_refresh_date;index"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at"`
	Tickets         []Ticket       `gorm:"foreignKey:SubscriptionID;constraint:OnDelete:CASCADE"`
}

// Ticket is a single-use lease. Subject and ExhaustedDate are nil until the
// ticket is leased and are written together.
type Ticket struct {
	ID             string     `gorm:"column:id;primaryKey;type:varchar(32)"`
	SubscriptionID string     `gorm:"column:subscription_id;type:varchar(32);index;not null"`
	CreationDate   time.Time  `gorm:"column:creation_date;not null"`
	ExpirationDate time.Time  `gorm:"column:expiration_date;not null"`
	Subject        *string    `gorm:"column:subject;type:varchar(255)"`
	ExhaustedDate  *time.Time `gorm:"column:exhausted_date"`
	Overage        bool       `gorm:"column:overage;not null;default:false"`
}

type Report struct {
	ExhaustedCount              int `json:"exhausted_count"`
	ExpiredButNotExhaustedCount int `json:"expired_but_not_exhausted_count"`
	OverageCount                int `json:"overage_count"`
}

// Available reports whether the ticket can still be leased at now.
func (t *Ticket) Available(now time.Time) bool {
	return t.Subject == nil && t.ExhaustedDate == nil && t.ExpirationDate.After(now)
}

// NextAvailable picks the unleased, unexpired ticket that expires first.
// Ties fall back to creation date and then id so the choice is stable.
func NextAvailable(tickets []*Ticket, now time.Time) *Ticket {
	var best *Ticket
	for _, t := range tickets {
		if !t.Available(now) {
			continue
		}
		if best == nil || earlier(t, best) {
			best = t
		}
	}
	return best
}

func earlier(a, b *Ticket) bool {
	if !a.ExpirationDate.Equal(b.ExpirationDate) {
		return a.ExpirationDate.Before(b.ExpirationDate)
	}
	if !a.CreationDate.Equal(b.CreationDate) {
		return a.CreationDate.Before(b.CreationDate)
	}
	return a.ID < b.ID
}

// BuildReport counts exhausted, expired-but-unused and overage tickets. The
// counts overlap: every overage ticket is also exhausted.
func BuildReport(tickets []*Ticket, now time.Time) *Report {
	r := &Report{}
	for _, t := range tickets {
		if t.ExhaustedDate != nil {
			r.ExhaustedCount++
		}
		if t.ExhaustedDate == nil && t.ExpirationDate.Before(now) {
			r.ExpiredButNotExhaustedCount++
		}
		if t.Overage {
			r.OverageCount++
		}
	}
	return r
}

// RefreshDue reports whether replenishment has come due at now.
func (s *Subscription) RefreshDue(now time.Time) bool {
	return !now.Before(s.NextRefreshDate)
}

func newRegularTicket(id, subscriptionID string, now time.Time, lifetime time.Duration) *Ticket {
	return &Ticket{
		ID:             id,
		SubscriptionID: subscriptionID,
		CreationDate:   now,
		ExpirationDate: now.Add(lifetime),
	}
}

func newOverageTicket(id, subscriptionID, subject string, now time.Time, lifetime time.Duration) *Ticket {
	exhausted := now
	return &Ticket{
		ID:             id,
		SubscriptionID: subscriptionID,
		CreationDate:   now,
		ExpirationDate: now.Add(lifetime),
		Subject:        &subject,
		ExhaustedDate:  &exhausted,
		Overage:        true,
	}
}
