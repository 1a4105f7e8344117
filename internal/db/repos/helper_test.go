package repos

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/celestiaorg/provisioner/internal/db"
	"github.com/celestiaorg/provisioner/internal/db/models"
	"github.com/celestiaorg/provisioner/internal/types"
)

// DBRepositoryTestSuite provides a base test suite for repository tests
type DBRepositoryTestSuite struct {
	suite.Suite
	db            *gorm.DB
	ctx           context.Context
	jobRepo       *JobRepository
	stepRepo      *JobStepRepository
	podRepo       *CloudPodRepository
	resourceRepo  *ResourceRepository
	watermarkRepo *WatermarkRepository
}

func (s *DBRepositoryTestSuite) SetupTest() {
	gdb, err := db.OpenSQLiteMemory("repos-" + uuid.NewString())
	require.NoError(s.T(), err, "Failed to create in-memory database")

	s.db = gdb
	s.jobRepo = NewJobRepository(gdb)
	s.stepRepo = NewJobStepRepository(gdb)
	s.podRepo = NewCloudPodRepository(gdb)
	s.resourceRepo = NewResourceRepository(gdb)
	s.watermarkRepo = NewWatermarkRepository(gdb)
	s.ctx = context.Background()
}

func (s *DBRepositoryTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

// Helper methods for creating test data

func (s *DBRepositoryTestSuite) createTestJob(queue string, priority int, key string) *models.Job {
	payload, err := json.Marshal(map[string]string{"subscription_id": "sub-1"})
	s.Require().NoError(err)

	job := &models.Job{
		Type:        types.JobTypeHostingProvision,
		Queue:       queue,
		Status:      types.JobStatusPending,
		Priority:    priority,
		Payload:     datatypes.JSON(payload),
		MaxAttempts: 3,
	}
	if key != "" {
		job.IdempotencyKey = &key
	}
	now := db.Now()
	job.NextRunAt = &now
	s.Require().NoError(s.jobRepo.Create(s.ctx, job))
	return job
}

func (s *DBRepositoryTestSuite) leaseJob(queue, worker string) *models.Job {
	job, err := s.jobRepo.ClaimNext(s.ctx, queue, worker, db.Now().Add(time.Millisecond), time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(job)
	return job
}

// TestDBRepository runs the test suite for the DBRepository to verify no panic
func TestDBRepository(t *testing.T) {
	suite.Run(t, new(DBRepositoryTestSuite))
}
