package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/brojonat/freshwallet/service/detector"
	"github.com/brojonat/freshwallet/service/scanner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
)

func testScanRequest() scanner.Request {
	return scanner.Request{
		Sources:     []scanner.Source{{Name: "binance", Accounts: []string{"5tzFkiKscXHK5ZXCGbXZxdw7gTjjD1mBwuoFbhUvuAi9"}}},
		Filter:      scanner.RangeFilter(1_000_000_000, 2_000_000_000),
		WindowHours: 24,
		Mode:        detector.ModeRelay,
	}
}

func newScanTestEnv(t *testing.T) (*testsuite.TestWorkflowEnvironment, *Activities) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	// Register activities first (before mocking)
	activities := &Activities{}
	env.RegisterActivity(activities.RunScan)
	env.RegisterActivity(activities.RecordScan)
	env.RegisterActivity(activities.PublishDetections)
	return env, activities
}

func TestScanWorkflow(t *testing.T) {
	detections := []*detector.Result{
		{Account: "D1", IsFresh: true, FinalAccount: "D1", Path: []string{"D1"}},
		{Account: "D2", IsFresh: true, FinalAccount: "F2", Path: []string{"D2", "F2"}, Hops: 1},
	}

	tests := []struct {
		name           string
		mockActivities func(env *testsuite.TestWorkflowEnvironment, a *Activities)
		expectedError  bool
		validateResult func(*testing.T, *ScanWorkflowResult)
	}{
		{
			name: "scan with detections is recorded and published",
			mockActivities: func(env *testsuite.TestWorkflowEnvironment, a *Activities) {
				env.OnActivity(a.RunScan, mock.Anything, mock.Anything).
					Return(&scanner.Result{Detections: detections, Skipped: []scanner.Skipped{}}, nil)
				env.OnActivity(a.RecordScan, mock.Anything, mock.Anything).
					Return(&RecordScanResult{Recorded: true}, nil)
				env.OnActivity(a.PublishDetections, mock.Anything, mock.Anything).
					Return(&PublishDetectionsResult{Published: 2}, nil)
			},
			validateResult: func(t *testing.T, result *ScanWorkflowResult) {
				assert.Equal(t, "scan-1", result.ScanID)
				require.NotNil(t, result.Result)
				assert.Len(t, result.Result.Detections, 2)
				assert.True(t, result.Recorded)
				assert.Equal(t, 2, result.Published)
				assert.Nil(t, result.RecordError)
				assert.Nil(t, result.PublishError)
				assert.Nil(t, result.Error)
			},
		},
		{
			name: "scan without detections skips publishing",
			mockActivities: func(env *testsuite.TestWorkflowEnvironment, a *Activities) {
				env.OnActivity(a.RunScan, mock.Anything, mock.Anything).
					Return(&scanner.Result{Detections: []*detector.Result{}}, nil)
				env.OnActivity(a.RecordScan, mock.Anything, mock.Anything).
					Return(&RecordScanResult{Recorded: false}, nil)
				// PublishDetections should NOT be called
			},
			validateResult: func(t *testing.T, result *ScanWorkflowResult) {
				assert.False(t, result.Recorded)
				assert.Equal(t, 0, result.Published)
			},
		},
		{
			name: "record and publish failures do not fail the scan",
			mockActivities: func(env *testsuite.TestWorkflowEnvironment, a *Activities) {
				env.OnActivity(a.RunScan, mock.Anything, mock.Anything).
					Return(&scanner.Result{Detections: detections}, nil)
				env.OnActivity(a.RecordScan, mock.Anything, mock.Anything).
					Return(nil, errors.New("database error"))
				env.OnActivity(a.PublishDetections, mock.Anything, mock.Anything).
					Return(nil, errors.New("nats error"))
			},
			validateResult: func(t *testing.T, result *ScanWorkflowResult) {
				require.NotNil(t, result.Result)
				assert.Len(t, result.Result.Detections, 2)
				require.NotNil(t, result.RecordError)
				assert.Contains(t, *result.RecordError, "database error")
				require.NotNil(t, result.PublishError)
				assert.Contains(t, *result.PublishError, "nats error")
				assert.Nil(t, result.Error)
			},
		},
		{
			name: "scan failure fails the workflow",
			mockActivities: func(env *testsuite.TestWorkflowEnvironment, a *Activities) {
				env.OnActivity(a.RunScan, mock.Anything, mock.Anything).
					Return(nil, temporalsdk.NewNonRetryableApplicationError("no source accounts", ErrTypeInvalidRequest, nil))
				env.OnActivity(a.RecordScan, mock.Anything, mock.Anything).
					Return(&RecordScanResult{Recorded: true}, nil)
			},
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, activities := newScanTestEnv(t)
			tt.mockActivities(env, activities)

			env.ExecuteWorkflow(ScanWorkflow, ScanWorkflowInput{ScanID: "scan-1", Request: testScanRequest()})

			require.True(t, env.IsWorkflowCompleted())
			if tt.expectedError {
				assert.Error(t, env.GetWorkflowError())
				return
			}

			require.NoError(t, env.GetWorkflowError())
			var result ScanWorkflowResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}

func TestScanWorkflow_FailedScanIsRecorded(t *testing.T) {
	env, activities := newScanTestEnv(t)

	env.OnActivity(activities.RunScan, mock.Anything, mock.Anything).
		Return(nil, temporalsdk.NewNonRetryableApplicationError("bad request", ErrTypeInvalidRequest, nil))

	var recorded RecordScanInput
	env.OnActivity(activities.RecordScan, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			recorded = args.Get(1).(RecordScanInput)
		}).
		Return(&RecordScanResult{Recorded: true}, nil)

	env.ExecuteWorkflow(ScanWorkflow, ScanWorkflowInput{ScanID: "scan-1", Request: testScanRequest()})

	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, "scan-1", recorded.ScanID)
	assert.Nil(t, recorded.Result)
}

func TestScanWorkflow_GeneratesScanID(t *testing.T) {
	env, activities := newScanTestEnv(t)

	var runInput RunScanInput
	env.OnActivity(activities.RunScan, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			runInput = args.Get(1).(RunScanInput)
		}).
		Return(&scanner.Result{}, nil)
	env.OnActivity(activities.RecordScan, mock.Anything, mock.Anything).
		Return(&RecordScanResult{Recorded: true}, nil)

	env.ExecuteWorkflow(ScanWorkflow, ScanWorkflowInput{Request: testScanRequest()})

	require.NoError(t, env.GetWorkflowError())
	var result ScanWorkflowResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.NotEmpty(t, result.ScanID)
	assert.Equal(t, result.ScanID, runInput.ScanID)
	assert.Equal(t, detector.ModeRelay, runInput.Request.Mode)
}

func TestScanWorkflow_ActivityRetries(t *testing.T) {
	env, activities := newScanTestEnv(t)

	// Mock RunScan to fail once then succeed
	callCount := 0
	env.OnActivity(activities.RunScan, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		callCount++
		if callCount < 2 {
			panic("transient error") // Temporal retries on panics
		}
	}).Return(&scanner.Result{}, nil)
	env.OnActivity(activities.RecordScan, mock.Anything, mock.Anything).
		Return(&RecordScanResult{Recorded: true}, nil)

	startTime := env.Now()
	env.ExecuteWorkflow(ScanWorkflow, ScanWorkflowInput{ScanID: "scan-1", Request: testScanRequest()})

	assert.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 2, callCount)
	assert.Less(t, env.Now().Sub(startTime), time.Hour)
}
