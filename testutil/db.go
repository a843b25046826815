// Package testutil provides an in-memory database and tenant fixtures for
// package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"leadflow/models"
)

var dbSeq atomic.Int64

// NewDB opens a private in-memory sqlite database with every table migrated.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, models.Migrate(db))
	return db
}

// Fixture is one organization with a client and a lead owner.
type Fixture struct {
	DB     *gorm.DB
	Org    models.Organization
	Client models.Client
	Owner  models.User
}

func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	return NewFixtureOn(t, NewDB(t))
}

// NewFixtureOn adds another tenant to an existing database.
func NewFixtureOn(t testing.TB, db *gorm.DB) *Fixture {
	t.Helper()
	f := &Fixture{DB: db}
	f.Org = models.Organization{Name: "Acme"}
	require.NoError(t, db.Create(&f.Org).Error)
	f.Client = models.Client{OrganizationID: f.Org.ID, Name: "Globex", Timezone: "UTC"}
	require.NoError(t, db.Create(&f.Client).Error)
	f.Owner = models.User{OrganizationID: f.Org.ID, Email: "owner@acme.io", Name: "Olive Owner"}
	require.NoError(t, db.Create(&f.Owner).Error)
	return f
}

func (f *Fixture) Scope() models.Scope {
	return models.Scope{OrganizationID: f.Org.ID, ClientID: f.Client.ID}
}

func (f *Fixture) Campaign(t testing.TB, status string) models.Campaign {
	t.Helper()
	c := models.Campaign{
		OrganizationID: f.Org.ID,
		ClientID:       f.Client.ID,
		Name:           "Q3 outbound",
		Status:         status,
	}
	require.NoError(t, f.DB.Create(&c).Error)
	return c
}

// Lead creates lead inside the fixture's tenant. Zero tenant fields are filled.
func (f *Fixture) Lead(t testing.TB, lead models.Lead) models.Lead {
	t.Helper()
	if lead.OrganizationID == 0 {
		lead.OrganizationID = f.Org.ID
	}
	if lead.ClientID == 0 {
		lead.ClientID = f.Client.ID
	}
	require.NoError(t, f.DB.Create(&lead).Error)
	return lead
}

// Sequence creates a sequence with the given steps, numbered in order when
// StepOrder is zero.
func (f *Fixture) Sequence(t testing.TB, status models.SequenceStatus, steps ...models.SequenceStep) models.Sequence {
	t.Helper()
	seq := models.Sequence{
		OrganizationID: f.Org.ID,
		ClientID:       f.Client.ID,
		Name:           "Welcome",
		Status:         status,
		Timezone:       "UTC",
	}
	require.NoError(t, f.DB.Create(&seq).Error)
	for i := range steps {
		steps[i].SequenceID = seq.ID
		if steps[i].StepOrder == 0 {
			steps[i].StepOrder = i + 1
		}
		if steps[i].Subject == "" {
			steps[i].Subject = fmt.Sprintf("Step %d", steps[i].StepOrder)
		}
		require.NoError(t, f.DB.Create(&steps[i]).Error)
	}
	seq.Steps = steps
	return seq
}

// Pipeline creates the default stage layout and returns it.
func (f *Fixture) Pipeline(t testing.TB) *models.Pipeline {
	t.Helper()
	p, err := models.CreateDefaultPipeline(f.DB, f.Scope())
	require.NoError(t, err)
	return p
}
