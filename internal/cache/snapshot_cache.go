package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"allocation-service/internal/models"
	"allocation-service/internal/service"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func NewRedisClient(addr, password string, db int, log *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("Redis connected successfully", zap.String("addr", addr))
	return rdb, nil
}

// SnapshotCache — read-through кэш снимков спроса/снабжения поверх redis с
// TTL. Недоступность redis кэш не фатализирует: читаем напрямую из
// провайдера. Инвалидация вызывается сервисом синхронно после каждой
// успешной мутации — устаревший кэш на практике главный источник ложной
// переаллокации.
type SnapshotCache struct {
	client *redis.Client
	demand service.DemandProvider
	supply service.SupplyProvider
	ttl    time.Duration
	log    *zap.Logger
}

func NewSnapshotCache(client *redis.Client, demand service.DemandProvider, supply service.SupplyProvider, ttl time.Duration, log *zap.Logger) *SnapshotCache {
	return &SnapshotCache{
		client: client,
		demand: demand,
		supply: supply,
		ttl:    ttl,
		log:    log,
	}
}

func demandLineKey(demandType string, lineID uuid.UUID) string {
	return fmt.Sprintf("snapshot:demand:%s:%s", demandType, lineID)
}

func demandProductKey(productID uuid.UUID) string {
	return fmt.Sprintf("snapshot:demand:product:%s", productID)
}

func supplySourceKey(sourceType models.SupplySourceType, sourceID uuid.UUID) string {
	return fmt.Sprintf("snapshot:supply:%s:%s", sourceType, sourceID)
}

func supplyProductKey(productID uuid.UUID) string {
	return fmt.Sprintf("snapshot:supply:product:%s", productID)
}

func (c *SnapshotCache) GetDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) (*service.DemandSnapshot, error) {
	key := demandLineKey(demandType, lineID)
	var snap service.DemandSnapshot
	if ok := c.lookup(ctx, key, &snap); ok {
		return &snap, nil
	}

	fresh, err := c.demand.GetDemandLine(ctx, demandType, lineID)
	if err != nil || fresh == nil {
		return fresh, err
	}
	c.store(ctx, key, fresh)
	return fresh, nil
}

func (c *SnapshotCache) ListDemandLinesByProduct(ctx context.Context, productID uuid.UUID) ([]service.DemandSnapshot, error) {
	key := demandProductKey(productID)
	var snaps []service.DemandSnapshot
	if ok := c.lookup(ctx, key, &snaps); ok {
		return snaps, nil
	}

	fresh, err := c.demand.ListDemandLinesByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, fresh)
	return fresh, nil
}

func (c *SnapshotCache) GetSupplySource(ctx context.Context, sourceType models.SupplySourceType, sourceID uuid.UUID) (*service.SupplySnapshot, error) {
	key := supplySourceKey(sourceType, sourceID)
	var snap service.SupplySnapshot
	if ok := c.lookup(ctx, key, &snap); ok {
		return &snap, nil
	}

	fresh, err := c.supply.GetSupplySource(ctx, sourceType, sourceID)
	if err != nil || fresh == nil {
		return fresh, err
	}
	c.store(ctx, key, fresh)
	return fresh, nil
}

func (c *SnapshotCache) ListSupplySourcesByProduct(ctx context.Context, productID uuid.UUID) ([]service.SupplySnapshot, error) {
	key := supplyProductKey(productID)
	var snaps []service.SupplySnapshot
	if ok := c.lookup(ctx, key, &snaps); ok {
		return snaps, nil
	}

	fresh, err := c.supply.ListSupplySourcesByProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, fresh)
	return fresh, nil
}

func (c *SnapshotCache) InvalidateDemandLine(ctx context.Context, demandType string, lineID uuid.UUID) error {
	return c.client.Del(ctx, demandLineKey(demandType, lineID)).Err()
}

func (c *SnapshotCache) InvalidateProduct(ctx context.Context, productID uuid.UUID) error {
	return c.client.Del(ctx, demandProductKey(productID), supplyProductKey(productID)).Err()
}

// InvalidateSupplySource — для внешних синков каталога снабжения.
func (c *SnapshotCache) InvalidateSupplySource(ctx context.Context, sourceType models.SupplySourceType, sourceID uuid.UUID) error {
	return c.client.Del(ctx, supplySourceKey(sourceType, sourceID)).Err()
}

func (c *SnapshotCache) lookup(ctx context.Context, key string, dst any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("Сбой чтения кэша снимков", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.log.Warn("Битое значение в кэше снимков", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (c *SnapshotCache) store(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("Сбой записи кэша снимков", zap.String("key", key), zap.Error(err))
	}
}
