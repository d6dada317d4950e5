package chat

import "slices"

// ConnectedContact is an online user who listed the caller as a contact.
type ConnectedContact struct {
	Id           string `json:"id"`
	ProfileImage string `json:"image,omitempty"`
}

// ContactChange is the result of adding or removing a contact.
type ContactChange struct {
	// The contact is online and lists the caller as a contact.
	Mutual bool
	// ID of the caller.
	UserID string
	// Caller's profile image, set only when Mutual.
	ProfileImage string
	// Connections of the contact to notify, set only when Mutual.
	Notify []string
}

// CanDeliverTo checks if senderID may deliver to recipientID: the recipient must be online
// and must have added the sender as a contact. The sender's own contacts are irrelevant.
func (s *Service) CanDeliverTo(senderID, recipientID string) bool {
	if senderID == recipientID {
		return false
	}
	sh := s.shardFor(recipientID)
	sh.lock.Lock()
	defer sh.lock.Unlock()
	p := sh.users[recipientID]
	return p != nil && p.hasContact(senderID)
}

// GetConnectedContacts returns those of candidateIDs who are online and list userID as a contact.
func (s *Service) GetConnectedContacts(userID string, candidateIDs []string) []ConnectedContact {
	var found []ConnectedContact
	seen := make(map[string]bool, len(candidateIDs))
	for _, id := range candidateIDs {
		if seen[id] || id == userID {
			continue
		}
		seen[id] = true

		sh := s.shardFor(id)
		sh.lock.Lock()
		if p := sh.users[id]; p != nil && p.hasContact(userID) {
			found = append(found, ConnectedContact{Id: id, ProfileImage: p.image})
		}
		sh.lock.Unlock()
	}
	return found
}

// AddContact adds contactID to the contacts of the connection owner.
func (s *Service) AddContact(connID, contactID string) (ContactChange, error) {
	userID, sh, err := s.resolve(connID)
	if err != nil {
		return ContactChange{}, err
	}
	if userID == contactID {
		return ContactChange{}, ErrSelfContact
	}

	sh.lock.Lock()
	p := sh.users[userID]
	if p == nil || !slices.Contains(p.conns, connID) {
		sh.lock.Unlock()
		return ContactChange{}, ErrUnknownConnection
	}
	p.contacts[contactID] = struct{}{}
	image := p.image
	sh.lock.Unlock()

	change := ContactChange{UserID: userID}
	if conns, ok := s.connectionsIfListed(contactID, userID); ok {
		change.Mutual = true
		change.ProfileImage = image
		change.Notify = conns
	}
	return change, nil
}

// RemoveContact removes contactID from the contacts of the connection owner. The result is
// mutual when the contact still lists the caller, i.e. the contact must be told the caller
// went away.
func (s *Service) RemoveContact(connID, contactID string) (ContactChange, error) {
	userID, sh, err := s.resolve(connID)
	if err != nil {
		return ContactChange{}, err
	}

	sh.lock.Lock()
	p := sh.users[userID]
	if p == nil || !slices.Contains(p.conns, connID) {
		sh.lock.Unlock()
		return ContactChange{}, ErrUnknownConnection
	}
	delete(p.contacts, contactID)
	sh.lock.Unlock()

	change := ContactChange{UserID: userID}
	if conns, ok := s.connectionsIfListed(contactID, userID); ok {
		change.Mutual = true
		change.Notify = conns
	}
	return change, nil
}

// UpdateProfileImage replaces the profile image of the connection owner. Returns the owner's
// ID and the connections of online mutual contacts.
func (s *Service) UpdateProfileImage(connID, image string) (string, []string, error) {
	userID, sh, err := s.resolve(connID)
	if err != nil {
		return "", nil, err
	}

	sh.lock.Lock()
	p := sh.users[userID]
	if p == nil || !slices.Contains(p.conns, connID) {
		sh.lock.Unlock()
		return "", nil, ErrUnknownConnection
	}
	p.image = image
	contacts := p.contactList()
	sh.lock.Unlock()

	return userID, s.mutualConnections(userID, contacts), nil
}
