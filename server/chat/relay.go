package chat

import "time"

// Message is a newly relayed message.
type Message struct {
	Id          string    `json:"id"`
	SenderId    string    `json:"from"`
	RecipientId string    `json:"to"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"ts"`
}

// MessageUpdate is an edit of a previously relayed message.
type MessageUpdate struct {
	Id          string    `json:"id"`
	SenderId    string    `json:"from"`
	RecipientId string    `json:"to"`
	Text        string    `json:"text"`
	EditedAt    time.Time `json:"edited"`
}

// Delivery is the result of SendMessage. When Delivered is false, Targets and Message are empty.
type Delivery struct {
	Delivered bool
	// Connections of both the sender and the recipient.
	Targets []string
	Message *Message
}

// UpdateDelivery is the result of UpdateMessage.
type UpdateDelivery struct {
	Delivered bool
	Targets   []string
	Update    *MessageUpdate
}

// conversation resolves the sender and checks authorization. Returns the connections of both
// parties, or nil if the message cannot be delivered.
func (s *Service) conversation(senderConnID, recipientID string) (string, []string, error) {
	senderID, ok := s.GetUserId(senderConnID)
	if !ok {
		return "", nil, ErrUnknownConnection
	}
	if !s.CanDeliverTo(senderID, recipientID) {
		return senderID, nil, nil
	}

	// Either party may disconnect right here. The sender's connection is gone with it,
	// the recipient's absence means there is nobody to deliver to.
	recipient := s.connections(recipientID)
	if len(recipient) == 0 {
		return senderID, nil, nil
	}
	return senderID, append(s.connections(senderID), recipient...), nil
}

// SendMessage relays a new message from the connection owner to recipientID.
// An undelivered message is not an error.
func (s *Service) SendMessage(senderConnID, recipientID, text string) (Delivery, error) {
	senderID, targets, err := s.conversation(senderConnID, recipientID)
	if err != nil || targets == nil {
		return Delivery{}, err
	}

	return Delivery{
		Delivered: true,
		Targets:   targets,
		Message: &Message{
			Id:          s.newID(),
			SenderId:    senderID,
			RecipientId: recipientID,
			Text:        text,
			SentAt:      s.now().UTC(),
		},
	}, nil
}

// UpdateMessage relays an edit of messageID. Whether the message exists or belongs to the
// sender is not verified.
func (s *Service) UpdateMessage(senderConnID, messageID, recipientID, text string) (UpdateDelivery, error) {
	senderID, targets, err := s.conversation(senderConnID, recipientID)
	if err != nil || targets == nil {
		return UpdateDelivery{}, err
	}

	return UpdateDelivery{
		Delivered: true,
		Targets:   targets,
		Update: &MessageUpdate{
			Id:          messageID,
			SenderId:    senderID,
			RecipientId: recipientID,
			Text:        text,
			EditedAt:    s.now().UTC(),
		},
	}, nil
}
