package chat

import (
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	previewLen = 100
	seenLimit  = 4096
)

// slot is a stable cache position. Its message id may change on
// reconciliation but the slot and its correlation id do not.
type slot struct {
	msg Message
}

type thread struct {
	slots   []*slot
	byID    map[string]*slot
	byCorr  map[string]*slot
	pageSeq uint64
}

func newThread() *thread {
	return &thread{
		byID:   make(map[string]*slot),
		byCorr: make(map[string]*slot),
	}
}

func (t *thread) indexOf(s *slot) int {
	return slices.Index(t.slots, s)
}

// cache is the conversation/message mirror. It is not safe for concurrent
// use; the synchronizer only touches it from its writer goroutine.
type cache struct {
	convs    map[string]*Conversation
	threads  map[string]*thread
	presence map[string]string

	// seen remembers recent push event ids, oldest first in seenOrder.
	seen      map[string]struct{}
	seenOrder []string
}

func newCache() *cache {
	return &cache{
		convs:    make(map[string]*Conversation),
		threads:  make(map[string]*thread),
		presence: make(map[string]string),
		seen:     make(map[string]struct{}),
	}
}

// markSeen records a push event id and reports whether it is new.
func (c *cache) markSeen(id string) bool {
	if _, dup := c.seen[id]; dup {
		return false
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > seenLimit {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return true
}

func (c *cache) thread(convID string) *thread {
	t, ok := c.threads[convID]
	if !ok {
		t = newThread()
		c.threads[convID] = t
	}
	return t
}

func (c *cache) conversation(id string) (Conversation, bool) {
	conv, ok := c.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return conv.clone(), true
}

func (c *cache) conversations() []Conversation {
	out := make([]Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, conv.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// upsertConversation merges backend metadata into the cache. A cached
// preview newer than the incoming one is kept.
func (c *cache) upsertConversation(in Conversation) Conversation {
	in = in.clone()
	if cur, ok := c.convs[in.ID]; ok {
		if cur.LastMessage != nil && (in.LastMessage == nil || cur.LastMessage.Timestamp.After(in.LastMessage.Timestamp)) {
			in.LastMessage = cur.LastMessage
		}
		if cur.UpdatedAt.After(in.UpdatedAt) {
			in.UpdatedAt = cur.UpdatedAt
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = cur.CreatedAt
		}
	}
	c.convs[in.ID] = &in
	return in.clone()
}

// insert adds m in timestamp order. If a message with the same id is cached,
// the existing entry absorbs any new read/delivery evidence and inserted is false.
func (c *cache) insert(m Message) (stored Message, inserted bool) {
	t := c.thread(m.ConversationID)
	if existing, ok := t.byID[m.ID]; ok {
		c.absorb(existing, m)
		return existing.msg.clone(), false
	}
	m = m.clone()
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = StatusSent
	}
	s := &slot{msg: m}
	c.deriveStatus(s)
	pos := sort.Search(len(t.slots), func(i int) bool {
		return t.slots[i].msg.Timestamp.After(m.Timestamp)
	})
	t.slots = slices.Insert(t.slots, pos, s)
	t.byID[m.ID] = s
	t.byCorr[m.CorrelationID] = s
	c.touch(m.ConversationID, t)
	return s.msg.clone(), true
}

// absorb merges backend evidence into a cached message: read entries are
// added, delivery status only moves forward.
func (c *cache) absorb(s *slot, in Message) {
	for uid, at := range in.ReadStatus {
		if s.msg.ReadStatus == nil {
			s.msg.ReadStatus = make(map[string]time.Time)
		}
		if _, ok := s.msg.ReadStatus[uid]; !ok {
			s.msg.ReadStatus[uid] = at
		}
	}
	if s.msg.DeliveryStatus != StatusError {
		s.msg.DeliveryStatus = s.msg.DeliveryStatus.upgrade(in.DeliveryStatus)
	}
	c.deriveStatus(s)
}

// reconcile swaps the provisional message in slot corrID for the confirmed
// one, keeping the slot position and its timestamp so the thread stays
// sorted. The backend time goes to ConfirmedAt. A copy of the confirmed id
// that arrived earlier through push is removed and returned.
func (c *cache) reconcile(convID, corrID string, confirmed Message) (stored Message, dropped []Message, ok bool) {
	t := c.thread(convID)
	s, ok := t.byCorr[corrID]
	if !ok {
		return Message{}, nil, false
	}
	if echo, found := t.byID[confirmed.ID]; found && echo != s {
		c.absorb(s, echo.msg)
		dropped = append(dropped, echo.msg.clone())
		c.removeSlot(t, echo)
	}

	prev := s.msg
	delete(t.byID, prev.ID)

	next := confirmed.clone()
	next.CorrelationID = prev.CorrelationID
	next.ConversationID = prev.ConversationID
	next.Provisional = false
	next.LastError = ""
	next.ConfirmedAt = confirmed.Timestamp
	next.Timestamp = prev.Timestamp
	base := prev.DeliveryStatus
	if base == StatusError {
		base = StatusSent
	}
	next.DeliveryStatus = base.upgrade(confirmed.DeliveryStatus)
	for uid, at := range prev.ReadStatus {
		if next.ReadStatus == nil {
			next.ReadStatus = make(map[string]time.Time)
		}
		if _, seen := next.ReadStatus[uid]; !seen {
			next.ReadStatus[uid] = at
		}
	}

	s.msg = next
	c.deriveStatus(s)
	t.byID[next.ID] = s
	c.touch(convID, t)
	return s.msg.clone(), dropped, true
}

// fail marks the message in slot corrID as failed.
func (c *cache) fail(convID, corrID, reason string) (Message, bool) {
	t := c.thread(convID)
	s, ok := t.byCorr[corrID]
	if !ok {
		return Message{}, false
	}
	s.msg.DeliveryStatus = StatusError
	s.msg.LastError = reason
	return s.msg.clone(), true
}

// requeue puts a failed message back into the pending state for a retry.
func (c *cache) requeue(convID, corrID string) (Message, bool) {
	t := c.thread(convID)
	s, ok := t.byCorr[corrID]
	if !ok || s.msg.DeliveryStatus != StatusError || !s.msg.Provisional {
		return Message{}, false
	}
	s.msg.DeliveryStatus = StatusSent
	s.msg.LastError = ""
	return s.msg.clone(), true
}

// find looks a message up by backend/provisional id or correlation id.
func (c *cache) find(id string) (Message, bool) {
	for _, t := range c.threads {
		if s, ok := t.byID[id]; ok {
			return s.msg.clone(), true
		}
		if s, ok := t.byCorr[id]; ok {
			return s.msg.clone(), true
		}
	}
	return Message{}, false
}

func (c *cache) remove(convID, corrID string) (Message, bool) {
	t := c.thread(convID)
	s, ok := t.byCorr[corrID]
	if !ok {
		return Message{}, false
	}
	c.removeSlot(t, s)
	c.touch(convID, t)
	return s.msg.clone(), true
}

func (c *cache) removeSlot(t *thread, s *slot) {
	if i := t.indexOf(s); i >= 0 {
		t.slots = slices.Delete(t.slots, i, i+1)
	}
	delete(t.byID, s.msg.ID)
	delete(t.byCorr, s.msg.CorrelationID)
}

// page returns up to limit messages strictly older than beforeID (or the
// newest ones when beforeID is empty or unknown), oldest first.
func (c *cache) page(convID string, limit int, beforeID string) []Message {
	t, ok := c.threads[convID]
	if !ok {
		return nil
	}
	end := len(t.slots)
	if beforeID != "" {
		if s, ok := t.byID[beforeID]; ok {
			end = t.indexOf(s)
		}
	}
	start := 0
	if limit > 0 && end-limit > start {
		start = end - limit
	}
	out := make([]Message, 0, end-start)
	for _, s := range t.slots[start:end] {
		out = append(out, s.msg.clone())
	}
	return out
}

// markRead stamps selfID on every message from someone else that selfID has
// not read yet, returning the changed messages.
func (c *cache) markRead(convID, selfID string, at time.Time) []Message {
	t, ok := c.threads[convID]
	if !ok {
		return nil
	}
	var changed []Message
	for _, s := range t.slots {
		if s.msg.SenderID == selfID || s.msg.ReadBy(selfID) {
			continue
		}
		if s.msg.ReadStatus == nil {
			s.msg.ReadStatus = make(map[string]time.Time)
		}
		s.msg.ReadStatus[selfID] = at
		changed = append(changed, s.msg.clone())
	}
	if len(changed) > 0 {
		c.touch(convID, t)
	}
	return changed
}

// applyRead records that userID read messageID (or every message not sent
// by userID when messageID is empty) and upgrades the sender-side status.
func (c *cache) applyRead(convID, messageID, userID string, at time.Time) []Message {
	t, ok := c.threads[convID]
	if !ok {
		return nil
	}
	targets := t.slots
	if messageID != "" {
		s, ok := t.byID[messageID]
		if !ok {
			return nil
		}
		targets = []*slot{s}
	}
	var changed []Message
	for _, s := range targets {
		if s.msg.SenderID == userID || s.msg.ReadBy(userID) {
			continue
		}
		if s.msg.ReadStatus == nil {
			s.msg.ReadStatus = make(map[string]time.Time)
		}
		s.msg.ReadStatus[userID] = at
		c.deriveStatus(s)
		changed = append(changed, s.msg.clone())
	}
	if len(changed) > 0 {
		c.touch(convID, t)
	}
	return changed
}

// applyDelivered upgrades messageID to Delivered.
func (c *cache) applyDelivered(convID, messageID string) (Message, bool) {
	t, ok := c.threads[convID]
	if !ok {
		return Message{}, false
	}
	s, ok := t.byID[messageID]
	if !ok || s.msg.DeliveryStatus == StatusError {
		return Message{}, false
	}
	next := s.msg.DeliveryStatus.upgrade(StatusDelivered)
	if next == s.msg.DeliveryStatus {
		return Message{}, false
	}
	s.msg.DeliveryStatus = next
	return s.msg.clone(), true
}

// deriveStatus upgrades a sent message from its read map: any reader means
// Delivered, every other participant means Read.
func (c *cache) deriveStatus(s *slot) {
	if s.msg.DeliveryStatus == StatusError || len(s.msg.ReadStatus) == 0 {
		return
	}
	s.msg.DeliveryStatus = s.msg.DeliveryStatus.upgrade(StatusDelivered)
	if conv, ok := c.convs[s.msg.ConversationID]; ok && readByAll(conv, s.msg) {
		s.msg.DeliveryStatus = StatusRead
	}
}

func readByAll(conv *Conversation, m Message) bool {
	if len(conv.Participants) == 0 {
		return false
	}
	for _, p := range conv.Participants {
		if p != m.SenderID && !m.ReadBy(p) {
			return false
		}
	}
	return true
}

// touch refreshes the conversation preview and UpdatedAt from the newest message.
func (c *cache) touch(convID string, t *thread) {
	conv, ok := c.convs[convID]
	if !ok || len(t.slots) == 0 {
		return
	}
	last := t.slots[len(t.slots)-1].msg
	conv.LastMessage = &Preview{
		MessageID:   last.ID,
		SenderID:    last.SenderID,
		Content:     truncate(last.Content, previewLen),
		ContentType: last.ContentType,
		Timestamp:   last.Timestamp,
		ReadByAll:   readByAll(conv, last),
	}
	if last.Timestamp.After(conv.UpdatedAt) {
		conv.UpdatedAt = last.Timestamp
	}
}

func (c *cache) unread(convID, selfID string) int {
	t, ok := c.threads[convID]
	if !ok {
		return 0
	}
	n := 0
	for _, s := range t.slots {
		if s.msg.SenderID != selfID && !s.msg.ReadBy(selfID) {
			n++
		}
	}
	return n
}

func (c *cache) online(convID string) []string {
	conv, ok := c.convs[convID]
	if !ok {
		return nil
	}
	var out []string
	for _, p := range conv.Participants {
		if c.presence[p] == "online" {
			out = append(out, p)
		}
	}
	return out
}

func (c *cache) reset() {
	c.convs = make(map[string]*Conversation)
	c.threads = make(map[string]*thread)
	c.presence = make(map[string]string)
	c.seen = make(map[string]struct{})
	c.seenOrder = nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
