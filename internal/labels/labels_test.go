package labels_test

import (
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/israelluze/classifyimage/internal/labels"
)

func TestEncoding(t *testing.T) {
	c := qt.New(t)

	in := []string{"toy", "food", "toy", "appliance", "food"}
	e := labels.New(in)

	c.Assert(e.Len(), qt.Equals, 3)
	c.Assert(e.Labels(), qt.DeepEquals, []string{"toy", "food", "appliance"})

	for _, l := range in {
		i, err := e.Encode(l)
		c.Assert(err, qt.IsNil)
		got, err := e.Decode(i)
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.Equals, l)
	}

	_, err := e.Encode("cat")
	c.Assert(err, qt.ErrorMatches, `unknown label "cat"`)
	_, err = e.Decode(3)
	c.Assert(err, qt.IsNotNil)
	_, err = e.Decode(-1)
	c.Assert(err, qt.IsNotNil)
}

func TestEncoding_Stable(t *testing.T) {
	c := qt.New(t)

	in := []string{"b", "a", "c", "a"}
	c.Assert(labels.New(in).Labels(), qt.DeepEquals, labels.New(in).Labels())
}

func TestEncoding_JSON(t *testing.T) {
	c := qt.New(t)

	e := labels.New([]string{"x", "y"})
	b, err := json.Marshal(e)
	c.Assert(err, qt.IsNil)
	c.Assert(string(b), qt.Equals, `["x","y"]`)

	var back labels.Encoding
	c.Assert(json.Unmarshal(b, &back), qt.IsNil)
	i, err := back.Encode("y")
	c.Assert(err, qt.IsNil)
	c.Assert(i, qt.Equals, 1)

	c.Assert(json.Unmarshal([]byte(`["x","x"]`), &back), qt.ErrorMatches, ".*duplicates")
}
