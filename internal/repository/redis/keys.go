package redis

import "fmt"

const ns = "tixreserve:v1"

func KeyEventSummary(eventID int64) string {
	return fmt.Sprintf("%s:event:%d:summary", ns, eventID)
}

func KeyTicketTypeAvailability(ticketTypeID int64) string {
	return fmt.Sprintf("%s:ticket_type:%d:availability", ns, ticketTypeID)
}

func KeyRateLimit(scope, id string) string {
	return fmt.Sprintf("%s:rl:%s:%s", ns, scope, id)
}

func KeyIdemReservation(eventID int64, idemKey string) string {
	return fmt.Sprintf("%s:idem:reservations:%d:%s", ns, eventID, idemKey)
}

func ChannelReservationLifecycle() string {
	return ns + ":reservations:lifecycle"
}
