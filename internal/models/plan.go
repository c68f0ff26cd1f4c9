package models

import "time"

// Plan is an immutable-per-version catalog entry.
type Plan struct {
	ID               string
	Name             string
	Version          int
	Kind             GuestKind
	Node             string
	TemplateID       int
	OSTemplate       string // LXC plans without a template clone use this
	CPUCores         int
	RAMMB            int
	DiskGB           int
	BandwidthGB      int
	PriceCents       int64
	Currency         string
	SnapshotsEnabled bool
	PoolID           *string
	StripePriceID    string
	Active           bool
	CreatedAt        time.Time
}

// IPPool is a named address range bound to a bridge and optional VLAN.
type IPPool struct {
	ID        string
	Name      string
	CIDR      string
	StartIP   string
	EndIP     string
	Gateway   string
	Bridge    string
	VLANTag   *int
	Active    bool
	CreatedAt time.Time
}
