package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/kursadbilgin/message-dispatch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "dispatch.db") + "?_pragma=busy_timeout(5000)"
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
	if err := db.AutoMigrate(&BatchModel{}, &MessageModel{}, &DeliveryAttemptModel{}); err != nil {
		t.Fatalf("AutoMigrate() error = %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func seedBatch(t *testing.T, db *gorm.DB, batchID string, n int) (*domain.Batch, []*domain.Message) {
	t.Helper()

	b := domain.NewBatch(batchID, "seed", domain.ChannelSMS, n)
	messages := make([]*domain.Message, 0, n)
	for i := range n {
		messages = append(messages, domain.NewMessage(batchID, domain.ChannelSMS, "hello",
			domain.Recipient{ID: fmt.Sprintf("+9055511122%02d", i)}, time.Time{}))
	}

	if err := NewGormBatchRepo(db).CreateWithMessages(context.Background(), b, messages); err != nil {
		t.Fatalf("CreateWithMessages() error = %v", err)
	}
	return b, messages
}

func TestCreateWithMessagesAssignsIDs(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	b, messages := seedBatch(t, db, "b-1", 3)

	if b.ID == 0 || b.PendingCount != 3 || b.Status != domain.BatchStatusPending {
		t.Fatalf("batch = %+v", b)
	}
	for _, m := range messages {
		if m.ID == 0 || m.Status != domain.MessageStatusPending {
			t.Fatalf("message = %+v", m)
		}
		if !m.ScheduledAt.Equal(m.CreatedAt) {
			t.Fatalf("ScheduledAt = %s, want CreatedAt %s", m.ScheduledAt, m.CreatedAt)
		}
	}

	got, err := NewGormBatchRepo(db).GetByBatchID(context.Background(), "b-1")
	if err != nil {
		t.Fatalf("GetByBatchID() error = %v", err)
	}
	if got.TotalCount != 3 || got.Name != "seed" {
		t.Fatalf("GetByBatchID() = %+v", got)
	}
}

func TestCreateWithMessagesIsAtomic(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	if err := db.Exec(`CREATE UNIQUE INDEX idx_test_recipient ON messages (recipient_id)`).Error; err != nil {
		t.Fatalf("create index error = %v", err)
	}

	repo := NewGormBatchRepo(db)
	b := domain.NewBatch("b-dup", "dup", domain.ChannelSMS, 2)
	messages := []*domain.Message{
		domain.NewMessage("b-dup", domain.ChannelSMS, "x", domain.Recipient{ID: "+905551112201"}, time.Time{}),
		domain.NewMessage("b-dup", domain.ChannelSMS, "x", domain.Recipient{ID: "+905551112201"}, time.Time{}),
	}

	if err := repo.CreateWithMessages(context.Background(), b, messages); err == nil {
		t.Fatal("CreateWithMessages() expected constraint error")
	}

	var batches, rows int64
	db.Model(&BatchModel{}).Where("batch_id = ?", "b-dup").Count(&batches)
	db.Model(&MessageModel{}).Where("batch_id = ?", "b-dup").Count(&rows)
	if batches != 0 || rows != 0 {
		t.Fatalf("rows kept after failed create: batches=%d messages=%d", batches, rows)
	}

	if err := repo.CreateWithMessages(context.Background(), domain.NewBatch("b-x", "n", domain.ChannelSMS, 2), messages[:1]); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("CreateWithMessages() count mismatch error = %v, want ErrValidation", err)
	}
}

func TestGetByBatchIDNotFound(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	if _, err := NewGormBatchRepo(db).GetByBatchID(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByBatchID() error = %v, want ErrNotFound", err)
	}
	if _, err := NewGormMessageRepo(db).GetByID(context.Background(), 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestMessageLifecycleUpdatesBatchCounts(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	_, messages := seedBatch(t, db, "b-1", 3)
	repo := NewGormMessageRepo(db)
	ctx := context.Background()

	for _, m := range messages {
		claimed, err := repo.MarkSending(ctx, m.ID, time.Minute)
		if err != nil || claimed == nil || claimed.Status != domain.MessageStatusSending {
			t.Fatalf("MarkSending(%d) = %+v, %v", m.ID, claimed, err)
		}
	}

	sentAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	batch, err := repo.Resolve(ctx, messages[0].ID, domain.MessageStatusSuccess, "", sentAt)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if batch.SuccessCount != 1 || batch.PendingCount != 2 || batch.Status != domain.BatchStatusProcessing || batch.Version != 1 {
		t.Fatalf("batch after success = %+v", batch)
	}

	if _, err := repo.Resolve(ctx, messages[1].ID, domain.MessageStatusFailed, "invalid recipient", sentAt); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	batch, err = repo.Resolve(ctx, messages[2].ID, domain.MessageStatusSuccess, "", sentAt)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !batch.Reconciles() || batch.PendingCount != 0 || batch.Status != domain.BatchStatusFailed || batch.Version != 3 {
		t.Fatalf("final batch = %+v", batch)
	}

	stored, err := NewGormBatchRepo(db).GetByBatchID(ctx, "b-1")
	if err != nil {
		t.Fatalf("GetByBatchID() error = %v", err)
	}
	if stored.SuccessCount != 2 || stored.FailedCount != 1 || stored.Version != 3 {
		t.Fatalf("stored batch = %+v", stored)
	}

	failed, err := repo.GetByID(ctx, messages[1].ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if failed.Status != domain.MessageStatusFailed || failed.ErrorMessage == nil || *failed.ErrorMessage != "invalid recipient" {
		t.Fatalf("failed message = %+v", failed)
	}
	sent, _ := repo.GetByID(ctx, messages[0].ID)
	if sent.SentAt == nil || !sent.SentAt.Equal(sentAt) {
		t.Fatalf("SentAt = %v, want %s", sent.SentAt, sentAt)
	}
}

func TestResolveRejectsTerminalMessage(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	_, messages := seedBatch(t, db, "b-1", 1)
	repo := NewGormMessageRepo(db)
	ctx := context.Background()

	if _, err := repo.Resolve(ctx, messages[0].ID, domain.MessageStatusSuccess, "", time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Resolve() of pending message error = %v, want ErrInvalidTransition", err)
	}

	if _, err := repo.MarkSending(ctx, messages[0].ID, time.Minute); err != nil {
		t.Fatalf("MarkSending() error = %v", err)
	}
	if _, err := repo.Resolve(ctx, messages[0].ID, domain.MessageStatusSuccess, "", time.Now()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if _, err := repo.Resolve(ctx, messages[0].ID, domain.MessageStatusFailed, "late", time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Resolve() of terminal message error = %v, want ErrInvalidTransition", err)
	}
	if _, err := repo.Resolve(ctx, messages[0].ID, domain.MessageStatusSending, "", time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Resolve(sending) error = %v, want ErrInvalidTransition", err)
	}

	claimed, err := repo.MarkSending(ctx, messages[0].ID, time.Minute)
	if err != nil || claimed != nil {
		t.Fatalf("MarkSending() on terminal message = %+v, %v; want nil, nil", claimed, err)
	}

	b, _ := NewGormBatchRepo(db).GetByBatchID(ctx, "b-1")
	if b.SuccessCount != 1 || b.FailedCount != 0 || !b.Reconciles() {
		t.Fatalf("batch = %+v, want one success only", b)
	}
}

func TestFailUnresolvedSkipsTerminalMessages(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	_, messages := seedBatch(t, db, "b-1", 4)
	repo := NewGormMessageRepo(db)
	ctx := context.Background()

	_, _ = repo.MarkSending(ctx, messages[0].ID, time.Minute)
	if _, err := repo.Resolve(ctx, messages[0].ID, domain.MessageStatusSuccess, "", time.Now()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	_, _ = repo.MarkSending(ctx, messages[1].ID, time.Minute)

	ids := []int64{messages[0].ID, messages[1].ID, messages[2].ID, messages[3].ID}
	failed, err := repo.FailUnresolved(ctx, "b-1", ids, "delivery attempts exhausted")
	if err != nil {
		t.Fatalf("FailUnresolved() error = %v", err)
	}
	if failed != 3 {
		t.Fatalf("FailUnresolved() = %d, want 3", failed)
	}

	again, err := repo.FailUnresolved(ctx, "b-1", ids, "delivery attempts exhausted")
	if err != nil || again != 0 {
		t.Fatalf("second FailUnresolved() = %d, %v; want 0, nil", again, err)
	}

	b, _ := NewGormBatchRepo(db).GetByBatchID(ctx, "b-1")
	if b.SuccessCount != 1 || b.FailedCount != 3 || b.PendingCount != 0 || b.Status != domain.BatchStatusFailed || b.Version != 2 {
		t.Fatalf("batch = %+v", b)
	}

	statuses, err := repo.GetStatuses(ctx, ids)
	if err != nil {
		t.Fatalf("GetStatuses() error = %v", err)
	}
	if statuses[messages[0].ID] != domain.MessageStatusSuccess || statuses[messages[3].ID] != domain.MessageStatusFailed {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestMarkSendingHoldsLease(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	_, messages := seedBatch(t, db, "b-1", 1)
	repo := NewGormMessageRepo(db)
	ctx := context.Background()
	id := messages[0].ID

	claimed, err := repo.MarkSending(ctx, id, time.Minute)
	if err != nil || claimed == nil || claimed.ClaimedUntil == nil {
		t.Fatalf("MarkSending() = %+v, %v; want a held claim", claimed, err)
	}
	if _, err := repo.MarkSending(ctx, id, time.Minute); !errors.Is(err, domain.ErrClaimed) {
		t.Fatalf("second MarkSending() error = %v, want ErrClaimed", err)
	}

	if err := repo.ReleaseClaim(ctx, id); err != nil {
		t.Fatalf("ReleaseClaim() error = %v", err)
	}
	if _, err := repo.MarkSending(ctx, id, time.Millisecond); err != nil {
		t.Fatalf("MarkSending() after release error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	reclaimed, err := repo.MarkSending(ctx, id, time.Minute)
	if err != nil || reclaimed == nil {
		t.Fatalf("MarkSending() after lapsed lease = %+v, %v", reclaimed, err)
	}

	if _, err := repo.Resolve(ctx, id, domain.MessageStatusSuccess, "", time.Now()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	resolved, _ := repo.GetByID(ctx, id)
	if resolved.ClaimedUntil != nil {
		t.Fatalf("ClaimedUntil = %v, want cleared on resolve", resolved.ClaimedUntil)
	}
}

func TestFailUnresolvedWalksPendingThroughSending(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	_, messages := seedBatch(t, db, "b-1", 3)
	repo := NewGormMessageRepo(db)
	ctx := context.Background()

	// A held claim does not stop reconciliation.
	if _, err := repo.MarkSending(ctx, messages[2].ID, time.Minute); err != nil {
		t.Fatalf("MarkSending() error = %v", err)
	}

	failed, err := repo.FailUnresolved(ctx, "b-1", []int64{messages[0].ID, messages[1].ID, messages[2].ID}, "enqueue failed")
	if err != nil || failed != 3 {
		t.Fatalf("FailUnresolved() = %d, %v; want 3, nil", failed, err)
	}

	for _, m := range messages {
		got, _ := repo.GetByID(ctx, m.ID)
		if got.Status != domain.MessageStatusFailed || got.ErrorMessage == nil || *got.ErrorMessage != "enqueue failed" || got.ClaimedUntil != nil {
			t.Fatalf("message %d = %+v, want failed with reason and no claim", m.ID, got)
		}
	}

	b, _ := NewGormBatchRepo(db).GetByBatchID(ctx, "b-1")
	if b.FailedCount != 3 || b.PendingCount != 0 || !b.Reconciles() || b.Version != 1 {
		t.Fatalf("batch = %+v, want three failures in one update", b)
	}

	if _, err := repo.Resolve(ctx, messages[2].ID, domain.MessageStatusSuccess, "", time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Resolve() after FailUnresolved error = %v, want ErrInvalidTransition", err)
	}
}

func TestListByBatchIDFiltersAndPages(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	_, messages := seedBatch(t, db, "b-1", 5)
	seedBatch(t, db, "b-2", 2)
	repo := NewGormMessageRepo(db)
	ctx := context.Background()

	_, _ = repo.MarkSending(ctx, messages[4].ID, time.Minute)
	_, _ = repo.Resolve(ctx, messages[4].ID, domain.MessageStatusFailed, "x", time.Now())

	page, total, err := repo.ListByBatchID(ctx, "b-1", ListParams{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("ListByBatchID() error = %v", err)
	}
	if total != 5 || len(page) != 2 || page[0].ID != messages[2].ID {
		t.Fatalf("ListByBatchID() = %d items (first %d), total %d", len(page), page[0].ID, total)
	}

	status := domain.MessageStatusFailed
	failed, total, err := repo.ListByBatchID(ctx, "b-1", ListParams{Status: &status})
	if err != nil || total != 1 || failed[0].ID != messages[4].ID {
		t.Fatalf("ListByBatchID(failed) = %v, %d, %v", failed, total, err)
	}
}

func TestGetDueForDispatch(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := NewGormMessageRepo(db)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	orphan := domain.NewMessage("b-1", domain.ChannelSMS, "x", domain.Recipient{ID: "+905551112201"}, now.Add(-10*time.Minute))
	orphan.CreatedAt = now.Add(-10 * time.Minute)
	fresh := domain.NewMessage("b-1", domain.ChannelSMS, "x", domain.Recipient{ID: "+905551112202"}, now.Add(-10*time.Second))
	fresh.CreatedAt = now.Add(-10 * time.Second)
	delayedDue := domain.NewMessage("b-1", domain.ChannelSMS, "x", domain.Recipient{ID: "+905551112203"}, now.Add(-time.Second))
	delayedDue.CreatedAt = now.Add(-30 * time.Second)
	delayedLater := domain.NewMessage("b-1", domain.ChannelSMS, "x", domain.Recipient{ID: "+905551112204"}, now.Add(time.Minute))
	delayedLater.CreatedAt = now.Add(-30 * time.Second)
	enqueued := domain.NewMessage("b-1", domain.ChannelSMS, "x", domain.Recipient{ID: "+905551112205"}, now.Add(-10*time.Minute))
	enqueued.CreatedAt = now.Add(-10 * time.Minute)

	all := []*domain.Message{orphan, fresh, delayedDue, delayedLater, enqueued}
	b := domain.NewBatch("b-1", "n", domain.ChannelSMS, len(all))
	b.CreatedAt = now.Add(-10 * time.Minute)
	if err := NewGormBatchRepo(db).CreateWithMessages(ctx, b, all); err != nil {
		t.Fatalf("CreateWithMessages() error = %v", err)
	}
	if err := repo.MarkEnqueued(ctx, []int64{enqueued.ID}, now); err != nil {
		t.Fatalf("MarkEnqueued() error = %v", err)
	}

	due, err := repo.GetDueForDispatch(ctx, now, time.Minute, 100)
	if err != nil {
		t.Fatalf("GetDueForDispatch() error = %v", err)
	}

	got := map[int64]bool{}
	for _, m := range due {
		got[m.ID] = true
	}
	if len(due) != 2 || !got[orphan.ID] || !got[delayedDue.ID] {
		t.Fatalf("GetDueForDispatch() ids = %v, want orphan %d and delayed %d", got, orphan.ID, delayedDue.ID)
	}
}

func TestAttemptRepoNumbersAttempts(t *testing.T) {
	t.Parallel()

	db := newTestDB(t)
	repo := NewGormAttemptRepo(db)
	ctx := context.Background()

	for _, status := range []string{"rate_limited", "success"} {
		a := &domain.DeliveryAttempt{MessageID: 7, Channel: "chat", Status: status}
		if err := repo.Create(ctx, a); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if a.ID == "" {
			t.Fatal("Create() should assign an id")
		}
	}
	other := &domain.DeliveryAttempt{MessageID: 8, Channel: "sms", Status: "failed"}
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	attempts, err := repo.ListByMessageID(ctx, 7)
	if err != nil {
		t.Fatalf("ListByMessageID() error = %v", err)
	}
	if len(attempts) != 2 || attempts[0].AttemptNumber != 1 || attempts[1].AttemptNumber != 2 || attempts[1].Status != "success" {
		t.Fatalf("attempts = %+v", attempts)
	}
	if other.AttemptNumber != 1 {
		t.Fatalf("other AttemptNumber = %d, want 1", other.AttemptNumber)
	}
}
