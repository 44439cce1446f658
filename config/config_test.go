package config_test

import (
	"bytes"
	"testing"

	"github.com/anlab-kaist/nba-go/config"
	"github.com/anlab-kaist/nba-go/core/testenv"
)

const sampleSystem = `
COMP_BATCH_SIZE = 32
COPROC_PPDEPTH = 16

[io.0]
core = 0
rxqs = 0:0, 1:0
swrxq = 0

[comp.0]
core = 1
swrxq = 0
taskinq = 0
taskoutq = 0

[coproc.0]
core = 2
device = 0
taskinq = 0
`

func TestSystemParse(t *testing.T) {
	assert, require := testenv.MakeAR(t)

	sys, e := config.ParseSystem([]byte(sampleSystem))
	require.NoError(e)
	assert.Equal(32, sys.CompBatchSize)
	assert.Equal(16, sys.CoprocPpdepth)
	assert.Equal(1024, sys.IODescPerHwRxq) // default

	require.Len(sys.IOThreads, 1)
	assert.Equal(0, sys.IOThreads[0].Core)
	require.Len(sys.IOThreads[0].RxQueues, 2)
	assert.Equal(config.HWQueue{Port: 1, Queue: 0}, sys.IOThreads[0].RxQueues[1])

	require.Len(sys.CompThreads, 1)
	assert.Equal(0, sys.CompThreads[0].TaskOutQ)
	require.Len(sys.CoprocThreads, 1)
	assert.Equal(2, sys.CoprocThreads[0].Core)
}

func TestSystemUnrecognizedKey(t *testing.T) {
	assert, _ := testenv.MakeAR(t)

	_, e := config.ParseSystem([]byte("BOGUS_KEY = 1\n"))
	assert.Error(e)
}

func TestSystemRoundTrip(t *testing.T) {
	assert, require := testenv.MakeAR(t)

	sys, e := config.ParseSystem([]byte(sampleSystem))
	require.NoError(e)

	var first bytes.Buffer
	require.NoError(sys.WriteCanonical(&first))

	reparsed, e := config.ParseSystem(first.Bytes())
	require.NoError(e)
	var second bytes.Buffer
	require.NoError(reparsed.WriteCanonical(&second))

	// Canonical form is a fixed point: recognized keys in canonical order.
	assert.Equal(first.String(), second.String())
}

func TestPipelineParse(t *testing.T) {
	assert, require := testenv.MakeAR(t)

	pl, e := config.ParsePipeline([]byte(`{
		"elements": [
			{"id": "rx0", "class": "FromDevice", "args": ["0"]},
			{"id": "fwd", "class": "L2ForwardCreate", "args": ["next_port=1"]},
			{"id": "tx1", "class": "ToDevice", "args": ["1"]}
		],
		"edges": [
			{"src": "rx0", "srcPort": 0, "dst": "fwd", "dstPort": 0},
			{"src": "fwd", "srcPort": 0, "dst": "tx1", "dstPort": 0}
		]
	}`))
	require.NoError(e)
	assert.Len(pl.Elements, 3)
	assert.Len(pl.Edges, 2)

	_, e = config.ParsePipeline([]byte(`{"elements": []}`))
	assert.Error(e, "empty element list must be rejected")

	_, e = config.ParsePipeline([]byte(`{
		"elements": [{"id": "a", "class": "X"}, {"id": "a", "class": "Y"}]
	}`))
	assert.Error(e, "duplicate ids must be rejected")

	_, e = config.ParsePipeline([]byte(`{
		"elements": [{"id": "a", "class": "X"}],
		"edges": [{"src": "a", "dst": "ghost"}]
	}`))
	assert.Error(e, "edges to unknown elements must be rejected")
}
