package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/wallet-bridge/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a ledger row does not exist.
var ErrNotFound = errors.New("record not found")

// balanceTTL bounds how long an advisory balance stays cached.
const balanceTTL = 5 * time.Minute

// RepositoryInterface restricts Repo methods so services can be tested against fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	GetWallet(ctx context.Context, tx *gorm.DB, id uint64, scope WalletScope) (*model.Wallet, error)
	FindWalletsByExternalID(ctx context.Context, externalID string, scope WalletScope) ([]model.Wallet, error)
	FindWalletsByWeakKey(ctx context.Context, field WeakField, value string, scope WalletScope) ([]model.Wallet, error)
	ListActiveWallets(ctx context.Context, userID string) ([]model.Wallet, error)
	ListWalletsForSync(ctx context.Context, afterID uint64, limit int) ([]model.Wallet, error)
	FindActiveWalletByProvider(ctx context.Context, tx *gorm.DB, userID string, p model.Provider) (*model.Wallet, error)
	SaveWallet(ctx context.Context, tx *gorm.DB, w *model.Wallet) error
	DeactivateWallet(ctx context.Context, userID string, id uint64) error
	DeactivateStaleWallets(ctx context.Context, before time.Time) ([]uint64, error)
	TouchWalletSync(ctx context.Context, id uint64, balance decimal.Decimal, at time.Time) error

	CreateTransactionWithRecipient(ctx context.Context, tx *gorm.DB, t *model.Transaction, r *model.TransactionRecipient) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	GetTransaction(ctx context.Context, tx *gorm.DB, id uint64) (*model.Transaction, error)
	GetTransactionForUser(ctx context.Context, userID string, id uint64) (*model.Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, int64, error)
	TransitionStatus(ctx context.Context, tx *gorm.DB, id uint64, to model.TransactionStatus, fields map[string]interface{}) (bool, error)
	TransitionWithEvent(ctx context.Context, id uint64, to model.TransactionStatus, fields, payload map[string]interface{}) (bool, error)
	UpdateTransaction(ctx context.Context, tx *gorm.DB, id uint64, fields map[string]interface{}) error
	FindTransactionByPaymentID(ctx context.Context, ref string) (*model.Transaction, error)
	FindAdminFee(ctx context.Context, tx *gorm.DB, parentID uint64) (*model.Transaction, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	EnqueueEvent(ctx context.Context, tx *gorm.DB, aggregate string, id uint64, eventType string, payload interface{}) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, walletID uint64, bal decimal.Decimal) error
	GetCachedBalance(ctx context.Context, walletID uint64) (decimal.Decimal, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// conn picks the caller's transaction when there is one.
func (r *Repository) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return r.conn(ctx, tx).Create(evt).Error
}

// EnqueueEvent serialises payload and writes it to the outbox.
func (r *Repository) EnqueueEvent(ctx context.Context, tx *gorm.DB, aggregate string, id uint64, eventType string, payload interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return r.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate: aggregate, AggregateID: id, EventType: eventType, Payload: string(b),
	})
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("created_at, id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// EventMessage is the Kafka form of an outbox event, keyed by aggregate so
// one transaction's events stay ordered.
func EventMessage(evt model.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%d", evt.Aggregate, evt.AggregateID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "outbox_id", Value: []byte(fmt.Sprintf("%d", evt.ID))},
		},
	}
}

// PublishEvent sends to the event topic.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	return r.writer.WriteMessages(ctx, EventMessage(evt))
}

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, walletID uint64, bal decimal.Decimal) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, balanceKey(walletID), bal.String(), balanceTTL).Err()
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, walletID uint64) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, redis.Nil
	}
	str, err := r.rdb.Get(ctx, balanceKey(walletID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

func balanceKey(walletID uint64) string { return fmt.Sprintf("balance:%d", walletID) }
