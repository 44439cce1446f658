package nodelocal_test

import (
	"testing"

	"github.com/anlab-kaist/nba-go/core/testenv"
	"github.com/anlab-kaist/nba-go/nodelocal"
	"github.com/anlab-kaist/nba-go/numa"
)

func TestStorage(t *testing.T) {
	assert, require := testenv.MakeAR(t)

	nls := nodelocal.New(numa.NodeFromID(0))

	region, e := nls.Alloc("flows", 96)
	require.NoError(e)
	assert.Len(region, 96)

	// Same key on the same node is rejected.
	_, e = nls.Alloc("flows", 96)
	assert.Error(e)

	borrowed := nls.Get("flows")
	assert.Len(borrowed, 96)
	region[0] = 0x5a
	assert.EqualValues(0x5a, borrowed[0])

	assert.Nil(nls.Get("missing"))

	require.NoError(nls.PutObj("table", map[string]int{"a": 1}))
	assert.Error(nls.PutObj("table", 2))
	table, ok := nls.GetObj("table").(map[string]int)
	require.True(ok)
	assert.Equal(1, table["a"])
}
