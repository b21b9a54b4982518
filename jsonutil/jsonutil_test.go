package jsonutil

import (
	"encoding/json"
	"math"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/dropbox/nativebridge/errors"
)

func Test(t *testing.T) {
	TestingT(t)
}

type JsonUtilSuite struct {
}

var _ = Suite(&JsonUtilSuite{})

func (s *JsonUtilSuite) TestParseObject(c *C) {
	m, err := Parse(`{"a":1,"b":"x","c":[true,null],"d":{"e":9007199254740993}}`)
	c.Assert(err, IsNil)
	c.Assert(m["a"], Equals, json.Number("1"))
	c.Assert(m["b"], Equals, "x")
	c.Assert(m["c"], DeepEquals, []interface{}{true, nil})
	c.Assert(m["d"], DeepEquals, map[string]interface{}{
		"e": json.Number("9007199254740993"),
	})
}

func (s *JsonUtilSuite) TestParseRejects(c *C) {
	for _, in := range []string{
		``,
		`{`,
		`[1,2]`,
		`"str"`,
		`null`,
		`{"a":1} {"b":2}`,
		`{"a":1}x`,
	} {
		_, err := Parse(in)
		c.Assert(err, NotNil, Commentf("input %q", in))
		c.Assert(errors.IsKind(err, errors.Parse), Equals, true, Commentf("input %q", in))
	}
}

func (s *JsonUtilSuite) TestParseAllowsTrailingWhitespace(c *C) {
	m, err := Parse("{\"a\":true}\n\t ")
	c.Assert(err, IsNil)
	c.Assert(m["a"], Equals, true)
}

func (s *JsonUtilSuite) TestSerialize(c *C) {
	out, err := Serialize(map[string]interface{}{"b": 2, "a": "<&>"})
	c.Assert(err, IsNil)
	c.Assert(out, Equals, `{"a":"<&>","b":2}`)

	out, err = Serialize(nil)
	c.Assert(err, IsNil)
	c.Assert(out, Equals, `{}`)
}

func (s *JsonUtilSuite) TestSerializeFailure(c *C) {
	_, err := Serialize(map[string]interface{}{"ch": make(chan int)})
	c.Assert(err, NotNil)
	c.Assert(errors.IsKind(err, errors.Serialization), Equals, true)

	_, err = Serialize(map[string]interface{}{"nan": math.NaN()})
	c.Assert(errors.IsKind(err, errors.Serialization), Equals, true)
}

func (s *JsonUtilSuite) TestRoundTrip(c *C) {
	in := `{"list":[1,2.5,"three"],"nested":{"ok":false},"s":"a\u0000b"}`
	m, err := Parse(in)
	c.Assert(err, IsNil)
	out, err := Serialize(m)
	c.Assert(err, IsNil)
	c.Assert(out, Equals, in)
}
