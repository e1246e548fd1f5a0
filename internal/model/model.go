// Package model holds the row shapes shared across the aggregation and
// attribution engine: raw usage rows coming in, and the summary/attributed
// rows going out to the relational sink.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Data-source discriminants for a Summary row. Exactly one of the Pod or
// Storage counter families is populated on any given row.
const (
	DataSourcePod     = "Pod"
	DataSourceStorage = "Storage"
)

// Synthetic namespace strings. These are reserved: they must never be
// treated as a user namespace for attribution or label processing, and
// must never be fed back into a subsequent unallocated pass.
const (
	NamespacePlatformUnallocated = "Platform unallocated"
	NamespaceWorkerUnallocated   = "Worker unallocated"
	NamespaceNetworkUnattributed = "Network unattributed"
	NamespaceStorageUnattributed = "Storage unattributed"
)

// IsSyntheticNamespace reports whether ns is one of the four reserved
// synthetic namespaces.
func IsSyntheticNamespace(ns string) bool {
	switch ns {
	case NamespacePlatformUnallocated, NamespaceWorkerUnallocated,
		NamespaceNetworkUnattributed, NamespaceStorageUnattributed:
		return true
	default:
		return false
	}
}

// NewRowID returns a stable unique id for a new output row.
func NewRowID() string {
	return uuid.New().String()
}

// PodUsageRow is a measurement of one workload on one node during one
// interval, prior to any unit conversion.
type PodUsageRow struct {
	IntervalStart time.Time
	Namespace     string
	Node          string
	Pod           string
	NodeResourceID string
	PodLabelsRaw  string

	CPUUsageCoreSeconds     float64
	CPURequestCoreSeconds   float64
	CPULimitCoreSeconds     float64
	CPUEffectiveCoreSeconds *float64

	MemUsageByteSeconds     float64
	MemRequestByteSeconds   float64
	MemLimitByteSeconds     float64
	MemEffectiveByteSeconds *float64

	// Node-capacity counters carried alongside each usage reading, MAX'd
	// within the pod-aggregator's group (not summed — capacity repeats per
	// interval row rather than accumulating).
	NodeCapacityCPUCoreSeconds float64
	NodeCapacityMemByteSeconds float64
}

// NodeCapacityIntervalRow is a raw, per-interval capacity reading; the
// capacity calculator's interval level consumes these.
type NodeCapacityIntervalRow struct {
	IntervalStart          time.Time
	Node                   string
	CPUCapacityCoreSeconds float64
	MemCapacityByteSeconds float64
}

// NodeCapacityRow is the day-level, unit-converted output of the capacity
// calculator: node capacity plus the cluster capacity broadcast to every
// node row for the same date.
type NodeCapacityRow struct {
	UsageStart                         time.Time
	Node                                string
	NodeCapacityCPUCoreHours            float64
	NodeCapacityMemoryGigabyteHours     float64
	ClusterCapacityCPUCoreHours         float64
	ClusterCapacityMemoryGigabyteHours  float64
}

// StorageUsageRow is a measurement of one PVC during one interval.
type StorageUsageRow struct {
	IntervalStart time.Time
	Namespace     string
	Pod           string
	PVC           string
	PV            string
	StorageClass  string
	CSIHandle     string
	PVLabelsRaw   string
	PVCLabelsRaw  string

	// ClusterID identifies which OCP cluster this PVC belongs to. Usually
	// uniform across a single run, but a disk can be mounted by PVCs from
	// more than one cluster, which is exactly the case the Storage
	// unattributed residual split (spec.md §4.11) divides equally across.
	ClusterID string

	CapacityBytes       float64
	CapacityByteSeconds float64
	RequestByteSeconds  float64
	UsageByteSeconds    float64
}

// LabelRow is a (date, key, JSON map) platform-provided label reading, for
// either a node or a namespace depending on the table it was read from.
type LabelRow struct {
	Date      time.Time
	Key       string
	LabelsRaw string
}

// CostCategoryRule maps a namespace pattern (prefix via trailing "%", or
// exact) to a category id.
type CostCategoryRule struct {
	NamespacePattern string
	ID               int64
}

// NodeRoleRow records a node's role as of a given resource id. Role is one
// of "master", "infra", "worker".
type NodeRoleRow struct {
	Node       string
	ResourceID string
	Role       string
}

// CloudBillingRow is a single cost-explorer-style billing line item.
type CloudBillingRow struct {
	ResourceID               string
	UsageStart               time.Time
	ProductCode              string
	UsageType                string
	UnblendedCost            float64
	BlendedCost              float64
	OnDemandPublicCost       float64
	SavingsPlanEffectiveCost float64
	UnblendedRate            float64
	UsageAmount              float64
	TagsRaw                  string
	DataTransferDirection    string

	AccountID        string
	Region           string
	AvailabilityZone string
	InstanceType     string
	Currency         string
	CostEntryBillID  string
}

// CostFlavors groups the four cost columns that flow through attribution
// in parallel.
type CostFlavors struct {
	Unblended   float64
	Blended     float64
	SavingsPlan float64
	Amortized   float64
}

// Flavors extracts the four cost flavors from a cloud billing row. The
// ingest row carries no distinct "amortized cost" column (the cost-explorer
// extract stops at on-demand public cost), so the amortized flavor is
// mapped from OnDemandPublicCost — documented in DESIGN.md.
func (r CloudBillingRow) Flavors() CostFlavors {
	return CostFlavors{
		Unblended:   r.UnblendedCost,
		Blended:     r.BlendedCost,
		SavingsPlan: r.SavingsPlanEffectiveCost,
		Amortized:   r.OnDemandPublicCost,
	}
}

// SummaryRow is the engine's primary output shape, covering both the Pod
// and Storage data sources (spec.md §3).
type SummaryRow struct {
	ID             string
	ReportPeriodID string
	ClusterID      string
	ClusterAlias   string
	SourceID       string
	UsageStart     time.Time
	UsageEnd       time.Time

	Namespace    string
	Node         string
	ResourceID   string
	PVC          string
	PV           string
	StorageClass string
	DataSource   string

	PodUsageCPUCoreHours      float64
	PodRequestCPUCoreHours    float64
	PodLimitCPUCoreHours      float64
	PodEffectiveCPUCoreHours  float64
	PodUsageMemoryGBHours     float64
	PodRequestMemoryGBHours   float64
	PodLimitMemoryGBHours     float64
	PodEffectiveMemoryGBHours float64

	NodeCapacityCPUCoreHours           float64
	NodeCapacityMemoryGBHours          float64
	ClusterCapacityCPUCoreHours        float64
	ClusterCapacityMemoryGBHours       float64

	PersistentVolumeClaimCapacityGigabyte       float64
	PersistentVolumeClaimCapacityGigabyteMonths float64
	VolumeRequestStorageGigabyteMonths           float64
	PersistentVolumeClaimUsageGigabyteMonths     float64

	PodLabels    string
	VolumeLabels string
	AllLabels    string

	CostCategoryID *int64
}

// AttributedRow is the Summary-row shape extended with cloud-cost
// attribution fields (spec.md §3, AWS output).
type AttributedRow struct {
	SummaryRow

	AccountID             string
	Region                string
	AvailabilityZone      string
	InstanceType          string
	DataTransferDirection string
	Currency              string

	UnblendedCost       float64
	UnblendedCostMarkup float64
	BlendedCost         float64
	BlendedCostMarkup   float64
	SavingsPlanCost     float64
	SavingsPlanMarkup   float64
	AmortizedCost       float64
	AmortizedCostMarkup float64

	TagsRaw            string
	AWSCostCategoryRaw string
}
