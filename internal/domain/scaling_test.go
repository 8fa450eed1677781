package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validScalingGroup() *AutoScalingGroup {
	return &AutoScalingGroup{
		Name:             "workers",
		ServiceName:      "api",
		MinInstances:     2,
		MaxInstances:     10,
		DesiredInstances: 4,
		Policy: ScalingPolicy{
			Metrics: []ScalingMetric{
				{Type: MetricCPUUtilization, Threshold: 80, Operator: OperatorGreaterThan},
			},
		},
	}
}

func TestGroupValidate(t *testing.T) {
	assert.NoError(t, validScalingGroup().Validate())

	g := validScalingGroup()
	g.Name = ""
	assert.Error(t, g.Validate())

	g = validScalingGroup()
	g.MinInstances = 12
	assert.Error(t, g.Validate(), "min above max")

	g = validScalingGroup()
	g.DesiredInstances = 1
	assert.Error(t, g.Validate(), "desired below min")

	g = validScalingGroup()
	g.Policy.Metrics = nil
	assert.Error(t, g.Validate())

	g = validScalingGroup()
	g.Policy.Metrics[0].Operator = "between"
	assert.Error(t, g.Validate())
}

func TestCompareAndSwapStatusGate(t *testing.T) {
	g := validScalingGroup()
	g.Status = GroupActive

	assert.True(t, g.CompareAndSwapStatus(GroupActive, GroupScaling))
	assert.Equal(t, GroupScaling, g.CurrentStatus())

	// A second swap from active must lose.
	assert.False(t, g.CompareAndSwapStatus(GroupActive, GroupScaling))

	g.SetStatus(GroupActive)
	assert.True(t, g.CompareAndSwapStatus(GroupActive, GroupScaling))
}

func TestClampCapacity(t *testing.T) {
	g := validScalingGroup()

	assert.Equal(t, 2, g.ClampCapacity(0))
	assert.Equal(t, 2, g.ClampCapacity(2))
	assert.Equal(t, 7, g.ClampCapacity(7))
	assert.Equal(t, 10, g.ClampCapacity(10))
	assert.Equal(t, 10, g.ClampCapacity(99))
}

func TestCommitCapacity(t *testing.T) {
	g := validScalingGroup()
	g.CurrentInstances = 4

	now := time.Now()
	g.CommitCapacity(6, now)

	current, desired := g.Capacity()
	assert.Equal(t, 6, current)
	assert.Equal(t, 6, desired)
	assert.Equal(t, now, g.LastScaleActivity())
}

func TestGroupMarshalJSONSnapshot(t *testing.T) {
	g := validScalingGroup()
	g.Status = GroupActive
	g.CurrentInstances = 4
	g.CommitCapacity(6, time.Now())

	data, err := json.Marshal(g)
	require.NoError(t, err)

	var decoded AutoScalingGroup
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 6, decoded.CurrentInstances)
	assert.Equal(t, 6, decoded.DesiredInstances)
	assert.Equal(t, GroupActive, decoded.Status)
	assert.False(t, decoded.LastScaleAt.IsZero())
}

func TestGroupMarshalJSONDuringScaling(t *testing.T) {
	g := validScalingGroup()
	g.Status = GroupActive

	// Serialization takes the group mutex, so it stays consistent while
	// a scaling operation mutates status and capacity.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			g.CompareAndSwapStatus(GroupActive, GroupScaling)
			g.CommitCapacity(i%8+2, time.Now())
			g.SetStatus(GroupActive)
		}
	}()
	for i := 0; i < 500; i++ {
		if _, err := json.Marshal(g); err != nil {
			t.Fatalf("Marshal failed mid-scale: %v", err)
		}
	}
	<-done
}

func TestComparisonOperator(t *testing.T) {
	assert.True(t, OperatorGreaterThan.Compare(81, 80))
	assert.False(t, OperatorGreaterThan.Compare(80, 80))
	assert.True(t, OperatorGreaterOrEqual.Compare(80, 80))
	assert.True(t, OperatorLessThan.Compare(19, 20))
	assert.False(t, OperatorLessThan.Compare(20, 20))
	assert.True(t, OperatorLessOrEqual.Compare(20, 20))
	assert.False(t, ComparisonOperator("ne").Compare(1, 2))

	assert.True(t, OperatorGreaterThan.IndicatesOverload())
	assert.True(t, OperatorGreaterOrEqual.IndicatesOverload())
	assert.False(t, OperatorLessThan.IndicatesOverload())
	assert.False(t, OperatorLessOrEqual.IndicatesOverload())
}

func TestScalingMetricName(t *testing.T) {
	m := ScalingMetric{Type: MetricResponseTime}
	assert.Equal(t, "response_time", m.Name())

	m = ScalingMetric{Type: MetricCustom, CustomName: "kafka_lag"}
	assert.Equal(t, "kafka_lag", m.Name())

	// Custom without a name falls back to the type string.
	m = ScalingMetric{Type: MetricCustom}
	assert.Equal(t, "custom", m.Name())
}
