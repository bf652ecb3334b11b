// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/cohortforge/cohortforge/internal/models"
)

// eventsSchema is the canonical raw activity-log table. The upstream
// pipeline lands events in this shape; the engine only reads it.
const eventsSchema = `
CREATE TABLE IF NOT EXISTS %s (
	name               VARCHAR NOT NULL,
	custom_user_id     VARCHAR,
	device_id          VARCHAR NOT NULL,
	adjusted_timestamp TIMESTAMP NOT NULL,
	session_id         VARCHAR,
	converted_revenue  DOUBLE,
	converted_currency VARCHAR,
	is_revenue_valid   BOOLEAN NOT NULL DEFAULT false,
	country            VARCHAR,
	state              VARCHAR,
	city               VARCHAR,
	install_source     VARCHAR,
	campaign_id        VARCHAR,
	campaign_name      VARCHAR,
	utm_source         VARCHAR,
	utm_campaign       VARCHAR,
	app_longname       VARCHAR
)`

// EnsureEventsTable creates the raw events table when absent.
func (s *Store) EnsureEventsTable(ctx context.Context, table string) error {
	return s.Exec(ctx, fmt.Sprintf(eventsSchema, table))
}

// InsertEvents bulk-inserts raw events. Used by ingestion tooling and test
// seeding, never by the engine's read path.
func (s *Store) InsertEvents(ctx context.Context, table string, events []models.RawEvent) error {
	if len(events) == 0 {
		return nil
	}

	const cols = "(name, custom_user_id, device_id, adjusted_timestamp, session_id, " +
		"converted_revenue, converted_currency, is_revenue_valid, country, state, city, " +
		"install_source, campaign_id, campaign_name, utm_source, utm_campaign, app_longname)"

	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*17)
	for _, e := range events {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			e.Name, e.CustomUserID, e.DeviceID, e.Timestamp, e.SessionID,
			e.Revenue, e.RevenueCurrency, e.RevenueValid, e.Country, e.State, e.City,
			e.InstallSource, e.CampaignID, e.CampaignName, e.UTMSource, e.UTMCampaign, e.AppName)
	}

	stmt := fmt.Sprintf("INSERT INTO %s %s VALUES %s", table, cols, strings.Join(placeholders, ", "))
	return s.Exec(ctx, stmt, args...)
}
