package taskname

const (
	// TicketRefresh replenishes one subscription's tickets.
	TicketRefresh = "ticket:refresh"
)
