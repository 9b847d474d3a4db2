package domain

// OutboundMessage carries a finished turn back to the channel it came from.
type OutboundMessage struct {
	Channel  string
	ChatID   string // request.ContextKey() unless the adapter needs another address
	Request  *Message
	Response *Response
}

// MessageBus routes messages between channels and the dispatcher.
type MessageBus interface {
	Publish(msg *Message)
	Subscribe() <-chan *Message
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
