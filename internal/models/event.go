// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package models

import "time"

// RawEvent mirrors one row of the upstream activity log. The engine does
// not own this shape; it exists for ingestion tooling and test seeding.
// Pointer fields are nullable upstream.
type RawEvent struct {
	Name            string    `json:"name"`
	CustomUserID    *string   `json:"custom_user_id,omitempty"`
	DeviceID        string    `json:"device_id"`
	Timestamp       time.Time `json:"adjusted_timestamp"`
	SessionID       *string   `json:"session_id,omitempty"`
	Revenue         *float64  `json:"converted_revenue,omitempty"`
	RevenueCurrency *string   `json:"converted_currency,omitempty"`
	RevenueValid    bool      `json:"is_revenue_valid"`
	Country         *string   `json:"country,omitempty"`
	State           *string   `json:"state,omitempty"`
	City            *string   `json:"city,omitempty"`
	InstallSource   *string   `json:"install_source,omitempty"`
	CampaignID      *string   `json:"campaign_id,omitempty"`
	CampaignName    *string   `json:"campaign_name,omitempty"`
	UTMSource       *string   `json:"utm_source,omitempty"`
	UTMCampaign     *string   `json:"utm_campaign,omitempty"`
	AppName         string    `json:"app_longname"`
}
