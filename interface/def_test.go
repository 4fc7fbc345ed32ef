package iface

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoxJSON(t *testing.T) {
	data, err := json.Marshal(Box{X1: 1, Y1: 2, X2: 3, Y2: 4})
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3,4]", string(data))

	var b Box
	require.NoError(t, json.Unmarshal([]byte("[5,6,7,8]"), &b))
	assert.Equal(t, Box{X1: 5, Y1: 6, X2: 7, Y2: 8}, b)

	err = json.Unmarshal([]byte("[1,2,3]"), &b)
	assert.ErrorIs(t, err, ErrInvalidBox)
}

func TestDetection_Validate(t *testing.T) {
	ok := Detection{BBox: Box{0, 0, 10, 10}, Class: "person", Conf: 0.9}
	assert.NoError(t, ok.Validate())

	flat := Detection{BBox: Box{0, 0, 0, 10}, Conf: 0.5}
	assert.ErrorIs(t, flat.Validate(), ErrInvalidBox)

	conf := Detection{BBox: Box{0, 0, 10, 10}, Conf: 1.5}
	assert.ErrorIs(t, conf.Validate(), ErrInvalidConfidence)

	err := ValidateAll([]Detection{ok, flat})
	assert.ErrorIs(t, err, ErrInvalidBox)
	assert.Contains(t, err.Error(), "detection 1")
}

func TestDetection_DecodeOriginalShape(t *testing.T) {
	var d Detection
	require.NoError(t, json.Unmarshal([]byte(`{"bbox":[0,0,10,10],"class":"person","conf":0.9}`), &d))
	assert.Equal(t, Detection{BBox: Box{0, 0, 10, 10}, Class: "person", Conf: 0.9}, d)
	assert.Equal(t, 100, d.BBox.Area())
}
