package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"advisor/models"
)

const (
	clientsCacheKey = "advisor:clients"
	clientsCacheTTL = 5 * time.Minute
	// この件数以下ならサンプルデータの日付が古くなっている
	minFreshClients = 6
)

// ClientSource はクライアント一覧を読みます
type ClientSource interface {
	Clients(ctx context.Context) ([]models.ClientSummary, error)
}

// SampleRefresher はサンプルデータの日付を今日基準に進めます
type SampleRefresher interface {
	Refresh(ctx context.Context) (SampleShift, error)
}

// ClientDirectory はアドバイザー画面のクライアント一覧を返します
type ClientDirectory struct {
	source    ClientSource
	refresher SampleRefresher
	cache     Cache
	events    *EventTracker
}

// NewClientDirectory は cache が nil ならキャッシュ無しで動きます
func NewClientDirectory(source ClientSource, refresher SampleRefresher, cache Cache, events *EventTracker) *ClientDirectory {
	return &ClientDirectory{source: source, refresher: refresher, cache: cache, events: events}
}

// List はキャッシュを優先し、無ければ SQL から読みます。
// 件数が少ないときはサンプルデータを更新して読み直し、その結果はキャッシュしない
func (d *ClientDirectory) List(ctx context.Context) ([]models.ClientSummary, error) {
	if clients, ok := d.cached(ctx); ok {
		return clients, nil
	}

	clients, err := d.source.Clients(ctx)
	if err != nil {
		return nil, err
	}

	if len(clients) <= minFreshClients && d.refresher != nil {
		if _, err := d.refresher.Refresh(ctx); err != nil {
			log.Printf("Error updating sample data: %v", err)
			return clients, nil
		}
		d.events.Track("SampleDataRefreshed", map[string]interface{}{"clients": len(clients)})
		return d.source.Clients(ctx)
	}

	d.store(ctx, clients)
	return clients, nil
}

func (d *ClientDirectory) cached(ctx context.Context) ([]models.ClientSummary, bool) {
	if d.cache == nil {
		return nil, false
	}
	raw, err := d.cache.Get(ctx, clientsCacheKey)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			log.Printf("Error reading client cache: %v", err)
		}
		return nil, false
	}

	var clients []models.ClientSummary
	if err := json.Unmarshal([]byte(raw), &clients); err != nil {
		log.Printf("Error decoding client cache: %v", err)
		return nil, false
	}
	return clients, true
}

func (d *ClientDirectory) store(ctx context.Context, clients []models.ClientSummary) {
	if d.cache == nil {
		return
	}
	raw, err := json.Marshal(clients)
	if err != nil {
		log.Printf("Error encoding client cache: %v", err)
		return
	}
	if err := d.cache.Set(ctx, clientsCacheKey, string(raw), clientsCacheTTL); err != nil {
		log.Printf("Error writing client cache: %v", err)
	}
}

// Invalidate はキャッシュ済みの一覧を捨てます
func (d *ClientDirectory) Invalidate(ctx context.Context) error {
	if d.cache == nil {
		return nil
	}
	_, err := d.cache.Del(ctx, clientsCacheKey)
	return err
}
