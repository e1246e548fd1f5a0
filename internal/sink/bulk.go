package sink

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

// SummaryRecord is the GORM model for cost_usage_summary, covering both the
// Pod and Storage data-source families in one wide row (spec.md §3) — the
// bulk-load counterpart to PGXSink's streaming path.
type SummaryRecord struct {
	ID             string `gorm:"primaryKey"`
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

	NodeCapacityCPUCoreHours     float64
	NodeCapacityMemoryGBHours    float64
	ClusterCapacityCPUCoreHours  float64
	ClusterCapacityMemoryGBHours float64

	PersistentVolumeClaimCapacityGigabyte       float64
	PersistentVolumeClaimCapacityGigabyteMonths float64
	VolumeRequestStorageGigabyteMonths          float64
	PersistentVolumeClaimUsageGigabyteMonths    float64

	PodLabels    string
	VolumeLabels string
	AllLabels    string

	CostCategoryID *int64

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

// TableName pins the GORM model to the same table PGXSink writes, so both
// paths are interchangeable from the caller's perspective.
func (SummaryRecord) TableName() string {
	return summaryTable
}

// ToRecord converts an engine output row to its GORM persistence shape.
func ToRecord(r model.AttributedRow) SummaryRecord {
	return SummaryRecord{
		ID:             r.ID,
		ReportPeriodID: r.ReportPeriodID,
		ClusterID:      r.ClusterID,
		ClusterAlias:   r.ClusterAlias,
		SourceID:       r.SourceID,
		UsageStart:     r.UsageStart,
		UsageEnd:       r.UsageEnd,

		Namespace:    r.Namespace,
		Node:         r.Node,
		ResourceID:   r.ResourceID,
		PVC:          r.PVC,
		PV:           r.PV,
		StorageClass: r.StorageClass,
		DataSource:   r.DataSource,

		PodUsageCPUCoreHours:      r.PodUsageCPUCoreHours,
		PodRequestCPUCoreHours:    r.PodRequestCPUCoreHours,
		PodLimitCPUCoreHours:      r.PodLimitCPUCoreHours,
		PodEffectiveCPUCoreHours:  r.PodEffectiveCPUCoreHours,
		PodUsageMemoryGBHours:     r.PodUsageMemoryGBHours,
		PodRequestMemoryGBHours:   r.PodRequestMemoryGBHours,
		PodLimitMemoryGBHours:     r.PodLimitMemoryGBHours,
		PodEffectiveMemoryGBHours: r.PodEffectiveMemoryGBHours,

		NodeCapacityCPUCoreHours:     r.NodeCapacityCPUCoreHours,
		NodeCapacityMemoryGBHours:    r.NodeCapacityMemoryGBHours,
		ClusterCapacityCPUCoreHours:  r.ClusterCapacityCPUCoreHours,
		ClusterCapacityMemoryGBHours: r.ClusterCapacityMemoryGBHours,

		PersistentVolumeClaimCapacityGigabyte:       r.PersistentVolumeClaimCapacityGigabyte,
		PersistentVolumeClaimCapacityGigabyteMonths: r.PersistentVolumeClaimCapacityGigabyteMonths,
		VolumeRequestStorageGigabyteMonths:           r.VolumeRequestStorageGigabyteMonths,
		PersistentVolumeClaimUsageGigabyteMonths:     r.PersistentVolumeClaimUsageGigabyteMonths,

		PodLabels:    r.PodLabels,
		VolumeLabels: r.VolumeLabels,
		AllLabels:    r.AllLabels,

		CostCategoryID: r.CostCategoryID,

		AccountID:             r.AccountID,
		Region:                r.Region,
		AvailabilityZone:      r.AvailabilityZone,
		InstanceType:          r.InstanceType,
		DataTransferDirection: r.DataTransferDirection,
		Currency:              r.Currency,

		UnblendedCost:       r.UnblendedCost,
		UnblendedCostMarkup: r.UnblendedCostMarkup,
		BlendedCost:         r.BlendedCost,
		BlendedCostMarkup:   r.BlendedCostMarkup,
		SavingsPlanCost:     r.SavingsPlanCost,
		SavingsPlanMarkup:   r.SavingsPlanMarkup,
		AmortizedCost:       r.AmortizedCost,
		AmortizedCostMarkup: r.AmortizedCostMarkup,

		TagsRaw:            r.TagsRaw,
		AWSCostCategoryRaw: r.AWSCostCategoryRaw,
	}
}

// BulkLoader is the frame-returning outbound path (spec.md §6 Outbound):
// the caller hands it the whole output frame and it bulk-inserts it in
// batches, for the performance.use_bulk_copy configuration.
type BulkLoader struct {
	db *gorm.DB
}

// OpenBulkLoader opens a GORM connection with the same retry/pool discipline
// as the teacher's InitPostgres: wait out container-startup latency, then
// apply production connection-pool limits.
func OpenBulkLoader(dsn string) (*BulkLoader, error) {
	gormLogger := logger.New(
		log.New(log.Writer(), "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	var db *gorm.DB
	var err error
	const maxAttempts = 10
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			PrepareStmt: true,
			Logger:      gormLogger,
		})
		if err == nil {
			break
		}
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: bulk loader connection failed: %v", model.ErrSink, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: bulk loader sqlDB handle: %v", model.ErrSink, err)
	}
	sqlDB.SetMaxOpenConns(30)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(60 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	return &BulkLoader{db: db}, nil
}

// Close releases the underlying connection pool.
func (b *BulkLoader) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WriteAll bulk-inserts the whole output frame in batches, the
// frame-returning counterpart to PGXSink's per-chunk COPY.
func (b *BulkLoader) WriteAll(ctx context.Context, rows []model.AttributedRow) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]SummaryRecord, len(rows))
	for i, r := range rows {
		records[i] = ToRecord(r)
	}
	const batchSize = 1000
	if err := b.db.WithContext(ctx).CreateInBatches(records, batchSize).Error; err != nil {
		return fmt.Errorf("%w: bulk insert: %v", model.ErrSink, err)
	}
	return nil
}
