package events

// Topics emitted by the checkout pipeline.
const (
	TopicOrderCreated  = "order.created"
	TopicOrderSettled  = "order.settled"
	TopicPaymentFailed = "payment.failed"
)
