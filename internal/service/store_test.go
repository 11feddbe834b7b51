package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/kursadbilgin/message-dispatch/internal/channel"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"github.com/kursadbilgin/message-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/message-dispatch/internal/repository"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testStore struct {
	db       *gorm.DB
	batches  *repository.GormBatchRepo
	messages *repository.GormMessageRepo
	attempts *repository.GormAttemptRepo
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "service.db") + "?_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	if err := db.AutoMigrate(&repository.BatchModel{}, &repository.MessageModel{}, &repository.DeliveryAttemptModel{}); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	return &testStore{
		db:       db,
		batches:  repository.NewGormBatchRepo(db),
		messages: repository.NewGormMessageRepo(db),
		attempts: repository.NewGormAttemptRepo(db),
	}
}

// seed stores a batch of n messages addressed to recipient(i).
func (s *testStore) seed(t *testing.T, channelType domain.ChannelType, n int, recipient func(i int) string) (*domain.Batch, []*domain.Message) {
	t.Helper()

	batchID := fmt.Sprintf("batch-%d", time.Now().UnixNano())
	b := domain.NewBatch(batchID, "seed", channelType, n)
	messages := make([]*domain.Message, 0, n)
	for i := range n {
		messages = append(messages, domain.NewMessage(batchID, channelType, "hello", domain.Recipient{ID: recipient(i)}, time.Time{}))
	}
	if err := s.batches.CreateWithMessages(context.Background(), b, messages); err != nil {
		t.Fatalf("CreateWithMessages() error = %v", err)
	}
	return b, messages
}

func (s *testStore) batch(t *testing.T, batchID string) *domain.Batch {
	t.Helper()

	b, err := s.batches.GetByBatchID(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetByBatchID() error = %v", err)
	}
	return b
}

func (s *testStore) message(t *testing.T, id int64) *domain.Message {
	t.Helper()

	m, err := s.messages.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	return m
}

type fakeChannel struct {
	name      string
	available bool
	sendFn    func(ctx context.Context, content, recipient string) channel.SendResult

	mu    sync.Mutex
	calls []string
}

func (f *fakeChannel) Send(ctx context.Context, content, recipient string) channel.SendResult {
	f.mu.Lock()
	f.calls = append(f.calls, recipient)
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(ctx, content, recipient)
	}
	return channel.SendResult{Status: channel.StatusSuccess, MessageID: "provider-" + recipient}
}

func (f *fakeChannel) ValidateRecipient(recipient string) bool { return recipient != "" }

func (f *fakeChannel) RateLimit(context.Context) (ratelimit.State, error) {
	return ratelimit.State{MaxRequests: 100, Window: time.Hour}, nil
}

func (f *fakeChannel) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeChannel) IsAvailable() bool { return f.available }

func (f *fakeChannel) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeResolver struct {
	channelFn func(channelType domain.ChannelType) (channel.Channel, error)
}

func (f *fakeResolver) Channel(channelType domain.ChannelType) (channel.Channel, error) {
	return f.channelFn(channelType)
}

func resolverFor(ch channel.Channel) *fakeResolver {
	return &fakeResolver{channelFn: func(domain.ChannelType) (channel.Channel, error) { return ch, nil }}
}
