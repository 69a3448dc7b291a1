// Package backendtest runs an in-memory chat backend over httptest for tests:
// the REST API the backend client calls and a WebSocket push endpoint.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/smartlink/internal/account"
	"github.com/matheus3301/smartlink/internal/chat"
	"github.com/matheus3301/smartlink/internal/contacts"
)

// Fixed credentials accepted by Login.
const (
	Email    = "ana@example.com"
	Password = "secret"
	Token    = "tok-u1"
)

// Self is the user that logs in with Email and Password.
var Self = account.User{ID: "u1", Username: "ana", Email: Email, DisplayName: "Ana"}

// Server is the fake backend.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	users     map[string]account.User
	convs     map[string]*chat.Conversation
	msgs      map[string][]chat.Message
	requests  map[string]*contacts.FriendRequest
	favorites map[string]bool
	links     []*websocket.Conn
	seq       int

	// Frames receives every frame clients write on the push channel.
	Frames chan []byte
}

var upgrader = websocket.Upgrader{}

// New starts a server with Self, two other users and no conversations.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		users: map[string]account.User{
			Self.ID: Self,
			"u2":    {ID: "u2", Username: "bruno", DisplayName: "Bruno"},
			"u3":    {ID: "u3", Username: "carla", DisplayName: "Carla"},
		},
		convs:     map[string]*chat.Conversation{},
		msgs:      map[string][]chat.Message{},
		requests:  map[string]*contacts.FriendRequest{},
		favorites: map[string]bool{},
		Frames:    make(chan []byte, 64),
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(func() {
		s.mu.Lock()
		for _, ws := range s.links {
			_ = ws.Close()
		}
		s.mu.Unlock()
		s.Close()
	})
	return s
}

// PushURL is the WebSocket endpoint.
func (s *Server) PushURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/auth/login", s.login)
	r.Post("/api/auth/register", s.register)
	r.Get("/ws", s.push)

	r.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/api/conversations", s.listConversations)
		r.Post("/api/conversations", s.createConversation)
		r.Get("/api/conversations/{id}", s.getConversation)
		r.Post("/api/conversations/{id}/members/{uid}", s.addMember)
		r.Delete("/api/conversations/{id}/members/{uid}", s.removeMember)
		r.Get("/api/conversations/{id}/messages", s.listMessages)
		r.Post("/api/conversations/{id}/messages", s.sendMessage)
		r.Post("/api/conversations/{id}/read", s.markRead)
		r.Post("/api/conversations/{id}/delivered", s.markDelivered)
		r.Get("/api/unread-count", s.unreadCount)

		r.Get("/api/friend-requests", s.listRequests)
		r.Post("/api/friend-requests", s.sendRequest)
		r.Post("/api/friend-requests/{id}/{action}", s.resolveRequest)
		r.Get("/api/contacts", s.listContacts)
		r.Get("/api/contacts/favorites", s.listFavorites)
		r.Put("/api/contacts/favorites/{uid}", s.setFavorite(true))
		r.Delete("/api/contacts/favorites/{uid}", s.setFavorite(false))
		r.Get("/api/users/search", s.searchUsers)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+Token {
			fail(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return prefix + "-" + strconv.Itoa(s.seq)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req account.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.Email != Email || req.Password != Password {
		fail(w, http.StatusUnauthorized, "wrong email or password")
		return
	}
	writeJSON(w, http.StatusOK, account.AuthResult{Token: Token, User: Self})
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req account.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "%v", err)
		return
	}
	if req.Email == Email {
		fail(w, http.StatusUnprocessableEntity, "email already registered")
		return
	}
	// Every account shares Self's token so later calls authenticate.
	writeJSON(w, http.StatusCreated, account.AuthResult{Token: Token, User: Self})
}

// AddConversation seeds a conversation.
func (s *Server) AddConversation(c chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
		c.UpdatedAt = c.CreatedAt
	}
	s.convs[c.ID] = &c
}

// AddFriendRequest seeds a friend request.
func (s *Server) AddFriendRequest(fr contacts.FriendRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[fr.ID] = &fr
}

// Messages returns the stored messages of a conversation, oldest first.
func (s *Server) Messages(conversationID string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.msgs[conversationID])
}

func (s *Server) listConversations(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, *c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var req chat.NewConversation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c := &chat.Conversation{
		ID:           s.nextID("c"),
		Type:         req.Type,
		Name:         req.Name,
		Participants: req.Participants,
		Encrypted:    req.Encrypted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.convs[c.ID] = c
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) *chat.Conversation {
	c, ok := s.convs[chi.URLParam(r, "id")]
	if !ok {
		fail(w, http.StatusNotFound, "conversation not found")
		return nil
	}
	return c
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.conversation(w, r); c != nil {
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(w, r)
	if c == nil {
		return
	}
	if c.Type != chat.Group {
		fail(w, http.StatusBadRequest, "not a group")
		return
	}
	if uid := chi.URLParam(r, "uid"); !slices.Contains(c.Participants, uid) {
		c.Participants = append(c.Participants, uid)
	}
	c.UpdatedAt = time.Now()
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(w, r)
	if c == nil {
		return
	}
	uid := chi.URLParam(r, "uid")
	c.Participants = slices.DeleteFunc(c.Participants, func(p string) bool { return p == uid })
	c.UpdatedAt = time.Now()
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation(w, r) == nil {
		return
	}
	msgs := s.msgs[chi.URLParam(r, "id")]
	if before := r.URL.Query().Get("before"); before != "" {
		i := slices.IndexFunc(msgs, func(m chat.Message) bool { return m.ID == before })
		if i >= 0 {
			msgs = msgs[:i]
		}
	}
	if limit, _ := strconv.Atoi(r.URL.Query().Get("limit")); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var in chat.OutgoingMessage
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(w, r)
	if c == nil {
		return
	}
	m := chat.Message{
		ID:             s.nextID("m"),
		ConversationID: c.ID,
		SenderID:       Self.ID,
		Content:        in.Content,
		ContentType:    in.ContentType,
		MediaURL:       in.MediaURL,
		Timestamp:      time.Now(),
		DeliveryStatus: chat.StatusSent,
	}
	s.msgs[c.ID] = append(s.msgs[c.ID], m)
	c.UpdatedAt = m.Timestamp
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(w, r)
	if c == nil {
		return
	}
	n := 0
	for i := range s.msgs[c.ID] {
		m := &s.msgs[c.ID][i]
		if m.SenderID == Self.ID || m.ReadBy(Self.ID) {
			continue
		}
		if m.ReadStatus == nil {
			m.ReadStatus = map[string]time.Time{}
		}
		m.ReadStatus[Self.ID] = time.Now()
		n++
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) markDelivered(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversation(w, r)
	if c == nil {
		return
	}
	n := 0
	for i := range s.msgs[c.ID] {
		m := &s.msgs[c.ID][i]
		if m.SenderID != Self.ID && m.DeliveryStatus == chat.StatusSent {
			m.DeliveryStatus = chat.StatusDelivered
			n++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) unreadCount(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msgs := range s.msgs {
		for _, m := range msgs {
			if m.SenderID != Self.ID && !m.ReadBy(Self.ID) {
				n++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (s *Server) listRequests(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contacts.FriendRequest, 0, len(s.requests))
	for _, fr := range s.requests {
		out = append(out, *fr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sendRequest(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RecipientID string `json:"recipient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		fail(w, http.StatusBadRequest, "%v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[in.RecipientID]; !ok {
		fail(w, http.StatusNotFound, "user not found")
		return
	}
	fr := &contacts.FriendRequest{
		ID:          s.nextID("fr"),
		SenderID:    Self.ID,
		RecipientID: in.RecipientID,
		Status:      contacts.Pending,
		CreatedAt:   time.Now(),
	}
	s.requests[fr.ID] = fr
	writeJSON(w, http.StatusCreated, fr)
}

func (s *Server) resolveRequest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fr, ok := s.requests[chi.URLParam(r, "id")]
	if !ok {
		fail(w, http.StatusNotFound, "request not found")
		return
	}
	if fr.Status != contacts.Pending {
		fail(w, http.StatusConflict, "request already %s", fr.Status)
		return
	}
	switch chi.URLParam(r, "action") {
	case "accept":
		fr.Status = contacts.Accepted
	case "reject":
		fr.Status = contacts.Rejected
	default:
		fail(w, http.StatusNotFound, "unknown action")
		return
	}
	writeJSON(w, http.StatusOK, fr)
}

func (s *Server) contactIDs() []string {
	var ids []string
	for _, fr := range s.requests {
		if fr.Status != contacts.Accepted {
			continue
		}
		other := fr.SenderID
		if other == Self.ID {
			other = fr.RecipientID
		}
		ids = append(ids, other)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

func (s *Server) listContacts(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []contacts.Contact{}
	for _, id := range s.contactIDs() {
		out = append(out, contacts.Contact{User: s.users[id], Favorite: s.favorites[id]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listFavorites(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []account.User{}
	for id, fav := range s.favorites {
		if fav {
			out = append(out, s.users[id])
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setFavorite(fav bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		uid := chi.URLParam(r, "uid")
		if _, ok := s.users[uid]; !ok {
			fail(w, http.StatusNotFound, "user not found")
			return
		}
		s.favorites[uid] = fav
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []account.User{}
	for _, u := range s.users {
		if strings.Contains(strings.ToLower(u.Username), q) || strings.Contains(strings.ToLower(u.DisplayName), q) {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b account.User) int { return strings.Compare(a.ID, b.ID) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.links = append(s.links, ws)
	s.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.Frames <- data:
		default:
		}
	}
}

// Push writes an event frame to every connected client.
func (s *Server) Push(eventType, conversationID string, data any) error {
	frame, err := json.Marshal(map[string]any{
		"id":              s.pushID(),
		"event_type":      eventType,
		"conversation_id": conversationID,
		"data":            data,
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.links {
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) pushID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID("evt")
}

// Connected reports how many push links were opened.
func (s *Server) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Deliver stores a message from another participant and pushes it as a
// new_message event.
func (s *Server) Deliver(m chat.Message) (chat.Message, error) {
	s.mu.Lock()
	if m.ID == "" {
		m.ID = s.nextID("m")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.ContentType == "" {
		m.ContentType = chat.Text
	}
	m.DeliveryStatus = chat.StatusSent
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], m)
	s.mu.Unlock()
	return m, s.Push("new_message", m.ConversationID, m)
}
