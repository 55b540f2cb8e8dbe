// Package convstore is the minimal conversation/message persistence the
// core needs to exercise the Pipeline Orchestrator and Answer Orchestrator
// end-to-end. Spec §1 explicitly excludes "HTTP surface details of CRUD
// endpoints for conversations/messages" as an external collaborator's
// concern, but the data model (§3) and the Answer Orchestrator's steps
// ("load ordered messages", "persist the assistant message", "refresh
// conversation.updatedAt") assume *some* store exists underneath that
// surface. Grounded on the teacher's internal/vector/BadgerStore chat and
// message methods (StoreChat/GetChat/StoreMessage/GetMessages), generalized
// from the teacher's one-open-chat-at-a-time model to the spec's richer
// Conversation/Message/Source shape.
package convstore

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/threeequarter/filings-rag/internal/domain"
)

const (
	convPrefix = "conv:"
	msgPrefix  = "msg:"
)

// Store persists domain.Conversation and domain.Message rows in Badger,
// the teacher's chosen embedded store for every durable concern.
type Store struct {
	db *badger.DB
	mu sync.Mutex
}

// Open opens (creating if absent) the conversation store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conversation store directory: %w", err)
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateConversation persists a new conversation for userID against the
// given companies, mirroring the teacher's StoreChat.
func (s *Store) CreateConversation(title, userID string, companies []domain.Company) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv := domain.Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		UserID:    userID,
		Companies: companies,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putConversation(conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) putConversation(conv domain.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(convPrefix+conv.ID), data)
	})
}

// GetConversation loads one conversation, or a domain.KindNotFound error.
func (s *Store) GetConversation(conversationID string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conv domain.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(convPrefix + conversationID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return domain.NewError(domain.KindNotFound, "conversation not found", nil)
			}
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &conv) })
	})
	return conv, err
}

// SetIngestionStatus writes the conversation mirror (§3's "written only on
// terminal transitions") and bumps UpdatedAt.
func (s *Store) SetIngestionStatus(conversationID string, status domain.IngestionStatus) error {
	s.mu.Lock()
	conv, err := s.getConversationLocked(conversationID)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	conv.IngestionStatus = &status
	conv.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putConversation(conv)
}

func (s *Store) getConversationLocked(conversationID string) (domain.Conversation, error) {
	var conv domain.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(convPrefix + conversationID))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return domain.NewError(domain.KindNotFound, "conversation not found", nil)
			}
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &conv) })
	})
	return conv, err
}

// TouchUpdatedAt refreshes conversation.updatedAt, per §4.6 step 11.
func (s *Store) TouchUpdatedAt(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.getConversationLocked(conversationID)
	if err != nil {
		return err
	}
	conv.UpdatedAt = time.Now()
	return s.putConversation(conv)
}

// AppendMessage persists msg, assigning an ID and a timestamp strictly
// after the conversation's most recent message if unset, per §5's
// monotonic-timestamp guarantee. Returns the stored message.
func (s *Store) AppendMessage(msg domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	existing, err := s.listMessagesLocked(msg.ConversationID)
	if err != nil {
		return domain.Message{}, err
	}
	minTimestamp := time.Now()
	if len(existing) > 0 {
		last := existing[len(existing)-1].Timestamp
		if !last.Before(minTimestamp) {
			minTimestamp = last.Add(time.Microsecond)
		}
	}
	if msg.Timestamp.IsZero() || msg.Timestamp.Before(minTimestamp) {
		msg.Timestamp = minTimestamp
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	key := fmt.Sprintf("%s%s|%020d|%s", msgPrefix, msg.ConversationID, msg.Timestamp.UnixNano(), msg.ID)
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.Set([]byte(key), data) }); err != nil {
		return domain.Message{}, fmt.Errorf("failed to store message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a conversation's messages in chronological order,
// per §4.6 step 1.
func (s *Store) ListMessages(conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listMessagesLocked(conversationID)
}

func (s *Store) listMessagesLocked(conversationID string) ([]domain.Message, error) {
	var messages []domain.Message
	prefix := fmt.Sprintf("%s%s|", msgPrefix, conversationID)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			var m domain.Message
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &m) }); err != nil {
				return err
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Timestamp.Before(messages[j].Timestamp) })
	return messages, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
