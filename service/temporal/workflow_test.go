package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/brojonat/carbonmove/service/market"
)

const (
	testSender = "0x00000000000000000000000000000000000000000000000000000000000000aa"
	testToken  = "0x000000000000000000000000000000000000000000000000000000000000000a"
)

type workflowMocks struct {
	submit, await, record, markFailed, publish, refresh *testsuite.MockCallWrapper
	counts                                              map[string]int
}

func newWorkflowEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *workflowMocks) {
	t.Helper()

	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	// Register activities first (before mocking)
	activities := &Activities{}
	env.RegisterActivity(activities.SubmitCreditAction)
	env.RegisterActivity(activities.AwaitFinality)
	env.RegisterActivity(activities.RecordAction)
	env.RegisterActivity(activities.MarkActionFailed)
	env.RegisterActivity(activities.PublishActionEvent)
	env.RegisterActivity(activities.RefreshAccount)

	m := &workflowMocks{counts: map[string]int{}}
	count := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) { m.counts[name]++ }
	}
	m.submit = env.OnActivity(activities.SubmitCreditAction, mock.Anything, mock.Anything).Run(count("submit"))
	m.await = env.OnActivity(activities.AwaitFinality, mock.Anything, mock.Anything).Run(count("await"))
	m.record = env.OnActivity(activities.RecordAction, mock.Anything, mock.Anything).Run(count("record"))
	m.markFailed = env.OnActivity(activities.MarkActionFailed, mock.Anything, mock.Anything).Run(count("markFailed"))
	m.publish = env.OnActivity(activities.PublishActionEvent, mock.Anything, mock.Anything).Run(count("publish"))
	m.refresh = env.OnActivity(activities.RefreshAccount, mock.Anything, mock.Anything).Run(count("refresh"))
	return env, m
}

func buyAction() market.Action {
	return market.Action{Kind: market.ActionBuy, TokenID: testToken}
}

func submitted() *SubmitCreditActionResult {
	return &SubmitCreditActionResult{Action: buyAction(), Sender: testSender, Hash: "0xhash"}
}

func committed(success bool) *market.ActionResult {
	r := &market.ActionResult{
		Kind:     market.ActionBuy,
		Sender:   testSender,
		TokenID:  testToken,
		Hash:     "0xhash",
		Version:  "4242",
		Success:  success,
		VMStatus: "Executed successfully",
	}
	if !success {
		r.VMStatus = "Move abort: E_NOT_LISTED"
	}
	return r
}

func TestCreditActionWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		mockActivities func(*workflowMocks)
		expectedError  bool
		validate       func(*testing.T, *CreditActionResult, map[string]int)
	}{
		{
			name: "successful buy refreshes sender",
			mockActivities: func(m *workflowMocks) {
				m.submit.Return(submitted(), nil)
				m.await.Return(committed(true), nil)
				m.record.Return(nil)
				m.publish.Return(nil)
				m.refresh.Return(&RefreshAccountResult{Account: testSender, MarketCount: 3, PortfolioCount: 1}, nil)
			},
			validate: func(t *testing.T, r *CreditActionResult, counts map[string]int) {
				assert.Equal(t, market.ActionBuy, r.Kind)
				assert.Equal(t, testSender, r.Sender)
				assert.Equal(t, testToken, r.TokenID)
				assert.Equal(t, "0xhash", r.Hash)
				assert.Equal(t, "4242", r.Version)
				assert.True(t, r.Success)
				assert.True(t, r.Refreshed)
				assert.Nil(t, r.Error)
				assert.Equal(t, 1, counts["submit"])
				assert.Equal(t, 1, counts["refresh"])
				assert.Equal(t, 0, counts["markFailed"])
			},
		},
		{
			name: "aborted transaction is recorded but not refreshed",
			mockActivities: func(m *workflowMocks) {
				m.submit.Return(submitted(), nil)
				m.await.Return(committed(false), nil)
				m.record.Return(nil)
				m.publish.Return(nil)
			},
			validate: func(t *testing.T, r *CreditActionResult, counts map[string]int) {
				assert.False(t, r.Success)
				assert.Equal(t, "Move abort: E_NOT_LISTED", r.VMStatus)
				assert.False(t, r.Refreshed)
				assert.Equal(t, 1, counts["record"])
				assert.Equal(t, 1, counts["publish"])
				assert.Equal(t, 0, counts["refresh"])
			},
		},
		{
			name: "publish and refresh failures are not fatal",
			mockActivities: func(m *workflowMocks) {
				m.submit.Return(submitted(), nil)
				m.await.Return(committed(true), nil)
				m.record.Return(nil)
				m.publish.Return(errors.New("nats unavailable"))
				m.refresh.Return(nil, errors.New("indexer unavailable"))
			},
			validate: func(t *testing.T, r *CreditActionResult, counts map[string]int) {
				assert.True(t, r.Success)
				assert.False(t, r.Refreshed)
				assert.Nil(t, r.Error)
			},
		},
		{
			name: "submission failure is not retried",
			mockActivities: func(m *workflowMocks) {
				m.submit.Return(nil, errors.New("insufficient balance"))
			},
			expectedError: true,
			validate: func(t *testing.T, r *CreditActionResult, counts map[string]int) {
				assert.Equal(t, 1, counts["submit"])
				assert.Equal(t, 0, counts["await"])
			},
		},
		{
			name: "finality failure marks ledger failed",
			mockActivities: func(m *workflowMocks) {
				m.submit.Return(submitted(), nil)
				m.await.Return(nil, errors.New("timed out waiting for transaction"))
				m.markFailed.Return(nil)
			},
			expectedError: true,
			validate: func(t *testing.T, r *CreditActionResult, counts map[string]int) {
				assert.Equal(t, 3, counts["await"])
				assert.Equal(t, 1, counts["markFailed"])
				assert.Equal(t, 0, counts["record"])
			},
		},
		{
			name: "ledger failure fails the workflow",
			mockActivities: func(m *workflowMocks) {
				m.submit.Return(submitted(), nil)
				m.await.Return(committed(true), nil)
				m.record.Return(errors.New("database error"))
			},
			expectedError: true,
			validate: func(t *testing.T, r *CreditActionResult, counts map[string]int) {
				assert.Equal(t, 0, counts["publish"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, mocks := newWorkflowEnv(t)
			tt.mockActivities(mocks)

			env.ExecuteWorkflow(CreditActionWorkflow, CreditActionInput{
				Action:       buyAction(),
				RefreshDelay: 2 * time.Second,
			})
			require.True(t, env.IsWorkflowCompleted())

			var result CreditActionResult
			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
			} else {
				require.NoError(t, env.GetWorkflowError())
				require.NoError(t, env.GetWorkflowResult(&result))
			}
			tt.validate(t, &result, mocks.counts)
		})
	}
}

func TestCreditActionWorkflow_RefreshWaitsForDelay(t *testing.T) {
	env, mocks := newWorkflowEnv(t)

	mocks.submit.Return(submitted(), nil)
	mocks.await.Return(committed(true), nil)
	mocks.record.Return(nil)
	mocks.publish.Return(nil)

	start := env.Now()
	var refreshedAt time.Time
	mocks.refresh.Run(func(mock.Arguments) { refreshedAt = env.Now() }).
		Return(&RefreshAccountResult{Account: testSender}, nil)

	env.ExecuteWorkflow(CreditActionWorkflow, CreditActionInput{
		Action:       buyAction(),
		RefreshDelay: 5 * time.Second,
	})
	require.NoError(t, env.GetWorkflowError())

	assert.GreaterOrEqual(t, refreshedAt.Sub(start), 5*time.Second)
}

func TestCreditActionWorkflow_DefaultRefreshDelay(t *testing.T) {
	env, mocks := newWorkflowEnv(t)

	mocks.submit.Return(submitted(), nil)
	mocks.await.Return(committed(true), nil)
	mocks.record.Return(nil)
	mocks.publish.Return(nil)

	start := env.Now()
	var refreshedAt time.Time
	mocks.refresh.Run(func(mock.Arguments) { refreshedAt = env.Now() }).
		Return(&RefreshAccountResult{Account: testSender}, nil)

	env.ExecuteWorkflow(CreditActionWorkflow, CreditActionInput{Action: buyAction()})
	require.NoError(t, env.GetWorkflowError())

	assert.GreaterOrEqual(t, refreshedAt.Sub(start), market.DefaultRefreshDelay)
}

func TestRefreshAccountWorkflow(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env, mocks := newWorkflowEnv(t)
		mocks.refresh.Return(&RefreshAccountResult{Account: testSender, MarketCount: 2, PortfolioCount: 1}, nil)

		env.ExecuteWorkflow(RefreshAccountWorkflow, RefreshAccountInput{Account: testSender})
		require.NoError(t, env.GetWorkflowError())

		var result RefreshAccountResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, testSender, result.Account)
		assert.Equal(t, 2, result.MarketCount)
		assert.Equal(t, 1, result.PortfolioCount)
	})

	t.Run("retries then fails", func(t *testing.T) {
		env, mocks := newWorkflowEnv(t)
		mocks.refresh.Return(nil, errors.New("context canceled"))

		env.ExecuteWorkflow(RefreshAccountWorkflow, RefreshAccountInput{})
		assert.Error(t, env.GetWorkflowError())
		assert.Equal(t, 3, mocks.counts["refresh"])
	})
}

func TestScheduleID(t *testing.T) {
	assert.Equal(t, "refresh-market", ScheduleID(""))
	assert.Equal(t, "refresh-account-"+testSender, ScheduleID(testSender))
}

func TestMockScheduler(t *testing.T) {
	s := NewMockScheduler()
	ctx := context.Background()

	require.NoError(t, s.UpsertRefreshSchedule(ctx, testSender, time.Minute))
	require.NoError(t, s.UpsertRefreshSchedule(ctx, testSender, 5*time.Minute))
	assert.Equal(t, 1, s.ScheduleCount())

	interval, ok := s.GetScheduleInterval(testSender)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, interval)

	require.NoError(t, s.DeleteRefreshSchedule(ctx, testSender))
	assert.False(t, s.ScheduleExists(testSender))
	assert.Error(t, s.DeleteRefreshSchedule(ctx, testSender))
}
