package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leadflow/models"
	"leadflow/testutil"
	"leadflow/utils"
	"leadflow/webhook"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []webhook.PublishRequest
}

func (p *fakePublisher) Publish(_ context.Context, req webhook.PublishRequest) (*webhook.PublishResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, req)
	return &webhook.PublishResult{Triggered: 1, EventIDs: []string{"evt"}}, nil
}

func (p *fakePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.events))
	for _, e := range p.events {
		names = append(names, e.EventName)
	}
	return names
}

func (p *fakePublisher) count(name string) int {
	n := 0
	for _, got := range p.names() {
		if got == name {
			n++
		}
	}
	return n
}

func hoursAgo(h int) *time.Time {
	return utils.Pointer(time.Now().UTC().Add(-time.Duration(h) * time.Hour))
}

// messageFixture is a lead enrolled in an active sequence with one message.
type messageFixture struct {
	*testutil.Fixture
	Lead       models.Lead
	Sequence   models.Sequence
	Enrollment models.Enrollment
	Message    models.Message
}

func newMessageFixture(t *testing.T, status models.MessageStatus) *messageFixture {
	t.Helper()
	f := testutil.NewFixture(t)
	mf := &messageFixture{Fixture: f}

	mf.Lead = f.Lead(t, models.Lead{
		Email:       "lena@initech.io",
		FirstName:   "Lena",
		OwnerID:     &f.Owner.ID,
		LastTouchAt: hoursAgo(72),
	})
	mf.Sequence = f.Sequence(t, models.SequenceStatusActive,
		models.SequenceStep{Subject: "Intro", Body: "Hi"},
		models.SequenceStep{Subject: "Follow-up", DelayDays: 3},
	)
	mf.Enrollment = models.Enrollment{
		OrganizationID: f.Org.ID,
		ClientID:       f.Client.ID,
		LeadID:         mf.Lead.ID,
		SequenceID:     mf.Sequence.ID,
		Status:         models.EnrollmentStatusActive,
	}
	require.NoError(t, f.DB.Create(&mf.Enrollment).Error)

	mf.Message = models.Message{
		OrganizationID: f.Org.ID,
		ClientID:       f.Client.ID,
		EnrollmentID:   mf.Enrollment.ID,
		StepID:         mf.Sequence.Steps[0].ID,
		LeadID:         mf.Lead.ID,
		SequenceID:     mf.Sequence.ID,
		Status:         status,
		ToAddress:      mf.Lead.Email,
		Subject:        "Intro",
	}
	require.NoError(t, f.DB.Create(&mf.Message).Error)
	return mf
}
