/******************************************************************************
 *
 *  Description :
 *
 *    Wire protocol: client and server messages exchanged over websocket and
 *    generators of {ctrl} replies.
 *
 *****************************************************************************/

package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/directim/relay/server/pull"
	"github.com/directim/relay/server/store/types"
)

/////////////////////////////////////////////////////////////
// Client to server messages

// MsgClientJoin registers the connection for a user {join}.
type MsgClientJoin struct {
	Id string `json:"id,omitempty"`
	// ID of the user who owns the connection.
	User string `json:"user"`
	// Users allowed to send messages to this user.
	Contacts []string `json:"contacts,omitempty"`
	// Optional profile image shown to mutual contacts.
	Image string `json:"image,omitempty"`
}

// MsgClientSend is a new message to a contact {send}.
type MsgClientSend struct {
	Id   string `json:"id,omitempty"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// MsgClientUpd is an edit of a previously sent message {upd}.
type MsgClientUpd struct {
	Id string `json:"id,omitempty"`
	// ID of the message being edited.
	Msg  string `json:"msg"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// MsgClientContact adds or removes a contact {contact}.
type MsgClientContact struct {
	Id string `json:"id,omitempty"`
	// "add" or "del"
	What string `json:"what"`
	User string `json:"user"`
}

// MsgClientImage replaces the profile image {image}.
type MsgClientImage struct {
	Id    string `json:"id,omitempty"`
	Image string `json:"image"`
}

// MsgClientPull requests the history of the conversation with a contact {pull}.
type MsgClientPull struct {
	Id      string `json:"id,omitempty"`
	Contact string `json:"contact"`
}

// MsgClientUp uploads history in response to {pull what="up"}.
type MsgClientUp struct {
	Id   string         `json:"id,omitempty"`
	Msgs []pull.Message `json:"msgs,omitempty"`
	// The upload is complete, the recipient may start downloading.
	Done bool `json:"done,omitempty"`
}

// MsgClientDown starts or cancels the download of pulled history {down}.
type MsgClientDown struct {
	Id     string `json:"id,omitempty"`
	Cancel bool   `json:"cancel,omitempty"`
}

// MsgClientHist queries persisted history of the conversation with a contact {hist}.
type MsgClientHist struct {
	Id      string `json:"id,omitempty"`
	Contact string `json:"contact"`
	// Return messages sent before this time.
	Before *time.Time `json:"before,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// ClientComMessage is a wrapper for client messages.
type ClientComMessage struct {
	Join    *MsgClientJoin    `json:"join"`
	Send    *MsgClientSend    `json:"send"`
	Upd     *MsgClientUpd     `json:"upd"`
	Contact *MsgClientContact `json:"contact"`
	Image   *MsgClientImage   `json:"image"`
	Pull    *MsgClientPull    `json:"pull"`
	Up      *MsgClientUp      `json:"up"`
	Down    *MsgClientDown    `json:"down"`
	Hist    *MsgClientHist    `json:"hist"`

	// Internal fields.

	// Message ID denormalized
	Id string `json:"-"`
	// Timestamp when this message was received by the server.
	Timestamp time.Time `json:"-"`
}

/////////////////////////////////////////////////////////////
// Server to client messages

// MsgServerCtrl is a server control message {ctrl}.
type MsgServerCtrl struct {
	Id     string `json:"id,omitempty"`
	Params any    `json:"params,omitempty"`

	Code      int       `json:"code"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"ts"`
}

func (src *MsgServerCtrl) describe() string {
	return "id=" + src.Id + " code=" + strconv.Itoa(src.Code) + " txt=" + src.Text
}

// MsgServerData is a relayed message or an edit {data}.
type MsgServerData struct {
	// ID of the message.
	Id   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
	// Time when the message was sent or edited.
	Timestamp time.Time  `json:"ts"`
	EditedAt  *time.Time `json:"edited,omitempty"`
}

func (src *MsgServerData) describe() string {
	s := "id=" + src.Id + " from=" + src.From + " to=" + src.To
	if src.EditedAt != nil {
		s += " edited"
	}
	return s
}

// MsgServerPres is presence notification {pres}.
type MsgServerPres struct {
	// "on", "off" or "img"
	What string `json:"what"`
	// User the notification is about.
	Src   string `json:"src"`
	Image string `json:"image,omitempty"`
}

func (src *MsgServerPres) describe() string {
	return "src=" + src.Src + " what=" + src.What
}

// MsgServerPull drives the history transfer {pull}.
type MsgServerPull struct {
	// "up": start uploading history, "down": history is ready for download.
	What string `json:"what"`
	// For "up", the user who requested the history.
	Contact string `json:"contact,omitempty"`
}

// MsgServerStream is a batch of downloaded history {stream}.
type MsgServerStream struct {
	Id   string         `json:"id,omitempty"`
	Msgs []pull.Message `json:"msgs,omitempty"`
	// The last batch.
	Done bool `json:"done,omitempty"`
}

// MsgServerHist is a page of persisted history {hist}.
type MsgServerHist struct {
	Id      string          `json:"id,omitempty"`
	Contact string          `json:"contact"`
	Msgs    []types.Message `json:"msgs"`
}

// ServerComMessage is a wrapper for server-side messages.
type ServerComMessage struct {
	Ctrl   *MsgServerCtrl   `json:"ctrl,omitempty"`
	Data   *MsgServerData   `json:"data,omitempty"`
	Pres   *MsgServerPres   `json:"pres,omitempty"`
	Pull   *MsgServerPull   `json:"pull,omitempty"`
	Stream *MsgServerStream `json:"stream,omitempty"`
	Hist   *MsgServerHist   `json:"hist,omitempty"`

	// Internal fields.

	// Session ID of the addressee when routed through the hub.
	RcptTo string `json:"-"`
	// Timestamp for consistency of timestamps in {ctrl} messages
	// (corresponds to originating client message receipt timestamp).
	Timestamp time.Time `json:"-"`
}

func (src *ServerComMessage) describe() string {
	if src == nil {
		return "-"
	}

	switch {
	case src.Ctrl != nil:
		return "{ctrl " + src.Ctrl.describe() + "}"
	case src.Data != nil:
		return "{data " + src.Data.describe() + "}"
	case src.Pres != nil:
		return "{pres " + src.Pres.describe() + "}"
	case src.Pull != nil:
		return "{pull what=" + src.Pull.What + "}"
	case src.Stream != nil:
		return "{stream msgs=" + strconv.Itoa(len(src.Stream.Msgs)) + "}"
	case src.Hist != nil:
		return "{hist msgs=" + strconv.Itoa(len(src.Hist.Msgs)) + "}"
	default:
		return "{nil}"
	}
}

// Generators of server-side error messages {ctrl}.

// NoErr indicates successful completion (200)
func NoErr(id string, ts time.Time) *ServerComMessage {
	return NoErrParams(id, ts, nil)
}

// NoErrParams indicates successful completion with additional parameters (200)
func NoErrParams(id string, ts time.Time, params any) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusOK, // 200
		Text:      "ok",
		Params:    params,
		Timestamp: ts}, Timestamp: ts}
}

// NoErrAccepted indicates request was accepted but not completed yet (202).
func NoErrAccepted(id string, ts time.Time) *ServerComMessage {
	return NoErrAcceptedParams(id, ts, nil)
}

// NoErrAcceptedParams is NoErrAccepted with additional parameters (202).
func NoErrAcceptedParams(id string, ts time.Time, params any) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusAccepted, // 202
		Text:      "accepted",
		Params:    params,
		Timestamp: ts}, Timestamp: ts}
}

// NoErrShutdown means the connection is being closed because system shutdown is in progress (205).
func NoErrShutdown(ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Code:      http.StatusResetContent, // 205
		Text:      "server shutdown",
		Timestamp: ts}, Timestamp: ts}
}

// 4xx Errors

// ErrMalformed request malformed (400).
func ErrMalformed(id string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusBadRequest, // 400
		Text:      "malformed",
		Timestamp: ts}, Timestamp: ts}
}

// ErrPermissionDenied user is not allowed to perform the operation (403).
func ErrPermissionDenied(id string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusForbidden, // 403
		Text:      "permission denied",
		Timestamp: ts}, Timestamp: ts}
}

// ErrNotFound object not found (404).
func ErrNotFound(id string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusNotFound, // 404
		Text:      "not found",
		Timestamp: ts}, Timestamp: ts}
}

// ErrDeliveryFailed message could not be delivered: the recipient is offline or did not
// add the sender as a contact (404). 'what' is the failed request, "send" or "upd".
func ErrDeliveryFailed(id, what string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusNotFound, // 404
		Text:      "delivery failed",
		Params:    map[string]string{"what": what},
		Timestamp: ts}, Timestamp: ts}
}

// ErrOperationNotAllowed a valid operation is not permitted in this context (405).
func ErrOperationNotAllowed(id string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusMethodNotAllowed, // 405
		Text:      "operation or method not allowed",
		Timestamp: ts}, Timestamp: ts}
}

// ErrCommandOutOfSequence invalid sequence of commands, i.e. attempt to {send} before {join} (409).
func ErrCommandOutOfSequence(id string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusConflict, // 409
		Text:      "command out of sequence",
		Timestamp: ts}, Timestamp: ts}
}

// ErrTooManyRequests the session exceeded its request rate (429).
func ErrTooManyRequests(id string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusTooManyRequests, // 429
		Text:      "too many requests",
		Timestamp: ts}, Timestamp: ts}
}

// 5xx

// ErrUnknown database or other server error (500).
func ErrUnknown(id string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusInternalServerError, // 500
		Text:      "internal error",
		Timestamp: ts}, Timestamp: ts}
}

// ErrServiceUnavailable the feature is disabled in the server configuration (503).
func ErrServiceUnavailable(id string, ts time.Time) *ServerComMessage {
	return &ServerComMessage{Ctrl: &MsgServerCtrl{
		Id:        id,
		Code:      http.StatusServiceUnavailable, // 503
		Text:      "service unavailable",
		Timestamp: ts}, Timestamp: ts}
}
