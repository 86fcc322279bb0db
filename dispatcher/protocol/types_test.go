package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateJSONRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, state := range []State{Booted, Idle, Running, Failed} {
		data, err := json.Marshal(state)
		require.NoError(err)

		var decoded State
		require.NoError(json.Unmarshal(data, &decoded))
		require.Equal(state, decoded)
	}

	var decoded State
	require.Error(json.Unmarshal([]byte(`"rebooting"`), &decoded))
}

func TestWorkerID(t *testing.T) {
	require.Equal(t, "hive-pool-3", WorkerID("hive-pool", 3))
}

func TestFilesystemTransformation(t *testing.T) {
	require := require.New(t)

	f := FilesystemTransformation{
		Operation:  "copy",
		Properties: map[string]string{"source": "/a", "target": "/b"},
	}

	tr := f.Transformation()
	require.Equal(FilesystemType, tr.Type)
	require.Equal("copy", tr.Property("operation"))
	require.Equal("/a", tr.Property("source"))

	// the convenience form stays untouched
	require.NotContains(f.Properties, "operation")
}

func TestTransformationForView(t *testing.T) {
	require := require.New(t)

	tr := Transformation{Type: "hive"}
	require.Nil(tr.View)
	require.Equal("hive", tr.String())

	v := stubView{name: "db.table/p1"}
	bound := tr.ForView(v)
	require.Nil(tr.View)
	require.Equal(v, bound.View)
	require.Equal("hive(db.table/p1)", bound.String())
}

type stubView struct {
	name string
}

func (v stubView) Name() string {
	return v.name
}

func (v stubView) Transformation() Transformation {
	return Transformation{Type: "hive"}
}
