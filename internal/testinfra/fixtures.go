// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package testinfra

import (
	"context"
	"testing"
	"time"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/database"
	"github.com/cohortforge/cohortforge/internal/models"
)

// OpenStore opens an in-memory DuckDB store and closes it when the test
// ends.
func OpenStore(t *testing.T) *database.Store {
	t.Helper()

	store, err := database.Open(config.DatabaseConfig{QueryTimeout: time.Minute})
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

// SeedEvents creates the raw events table and loads the fixture rows.
func SeedEvents(t *testing.T, store *database.Store, table string, events []models.RawEvent) {
	t.Helper()

	ctx := context.Background()
	if err := store.EnsureEventsTable(ctx, table); err != nil {
		t.Fatalf("create events table %s: %v", table, err)
	}
	if err := store.InsertEvents(ctx, table, events); err != nil {
		t.Fatalf("seed %d events into %s: %v", len(events), table, err)
	}
}

// Ptr returns a pointer to v. Raw-event fixtures use it for nullable
// columns.
func Ptr[T any](v T) *T {
	return &v
}

// EventOption mutates a fixture event.
type EventOption func(*models.RawEvent)

// WithUser sets the custom user identifier.
func WithUser(id string) EventOption {
	return func(e *models.RawEvent) { e.CustomUserID = Ptr(id) }
}

// WithSession sets the session identifier.
func WithSession(id string) EventOption {
	return func(e *models.RawEvent) { e.SessionID = Ptr(id) }
}

// WithRevenue sets a validated USD revenue amount.
func WithRevenue(amount float64) EventOption {
	return func(e *models.RawEvent) {
		e.Revenue = Ptr(amount)
		e.RevenueCurrency = Ptr("USD")
		e.RevenueValid = true
	}
}

// WithInvalidRevenue sets a revenue amount flagged invalid upstream.
func WithInvalidRevenue(amount float64) EventOption {
	return func(e *models.RawEvent) {
		e.Revenue = Ptr(amount)
		e.RevenueCurrency = Ptr("USD")
		e.RevenueValid = false
	}
}

// WithGeo sets the geographic columns.
func WithGeo(country, state, city string) EventOption {
	return func(e *models.RawEvent) {
		e.Country = Ptr(country)
		e.State = Ptr(state)
		e.City = Ptr(city)
	}
}

// WithAcquisition sets install-source and campaign attribution.
func WithAcquisition(source, campaignID, campaignName string) EventOption {
	return func(e *models.RawEvent) {
		e.InstallSource = Ptr(source)
		e.CampaignID = Ptr(campaignID)
		e.CampaignName = Ptr(campaignName)
	}
}

// Event builds one fixture row. Device and app default to fixed values so
// aggregation keys stay stable across tests.
func Event(name string, ts time.Time, opts ...EventOption) models.RawEvent {
	e := models.RawEvent{
		Name:      name,
		DeviceID:  "device-001",
		Timestamp: ts,
		AppName:   "com.example.game",
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Day returns midnight UTC for the given date.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Session emits one event per name, ten seconds apart, all tagged with
// the same session and user. Fixtures use it to produce known session
// durations.
func Session(user, session string, start time.Time, names ...string) []models.RawEvent {
	events := make([]models.RawEvent, 0, len(names))
	for i, name := range names {
		ts := start.Add(time.Duration(i) * 10 * time.Second)
		events = append(events, Event(name, ts, WithUser(user), WithSession(session)))
	}
	return events
}
