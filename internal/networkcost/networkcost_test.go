package networkcost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bugfreev587/ocp-cost-aggregator/internal/model"
)

func TestHandleGroupsAndMarksUp(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	rows := []model.CloudBillingRow{
		{ResourceID: "arn:aws:ec2:instance/i-node1", DataTransferDirection: "OUT", UnblendedCost: 10, UsageStart: ts},
		{ResourceID: "arn:aws:ec2:instance/i-node1", DataTransferDirection: "OUT", UnblendedCost: 5, UsageStart: ts.Add(time.Hour)},
		{ResourceID: "arn:aws:ec2:instance/i-node1", DataTransferDirection: "", UnblendedCost: 999, UsageStart: ts}, // non-network
		{ResourceID: "no-such-node", DataTransferDirection: "IN", UnblendedCost: 1, UsageStart: ts},                // unmatched, dropped
	}
	h := Handler{Markup: 0.10}
	out := h.Handle([]string{"i-node1"}, rows)

	require.Len(t, out, 1)
	assert.Equal(t, "i-node1", out[0].Node)
	assert.Equal(t, "OUT", out[0].Direction)
	assert.Equal(t, model.NamespaceNetworkUnattributed, out[0].Namespace)
	assert.InDelta(t, 15.0, out[0].Cost.Unblended, 1e-9)
	assert.InDelta(t, 1.5, out[0].CostMarkup.Unblended, 1e-9)
}
