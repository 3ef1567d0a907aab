package filter

import (
	"encoding/json"
	"testing"
)

func parsePayload(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return m
}

func TestEqMatchesAndMismatches(t *testing.T) {
	p := parsePayload(t, `{"cat":"x"}`)
	if !Eval(Eq("cat", "x"), p) {
		t.Error("expected Eq(cat, x) to match")
	}
	if Eval(Eq("cat", "y"), p) {
		t.Error("expected Eq(cat, y) to not match")
	}
}

func TestEqNumericCoercion(t *testing.T) {
	p := parsePayload(t, `{"x": 5.0}`)
	if !Eval(Eq("x", 5), p) {
		t.Error("expected Eq(x, 5) to match {x: 5.0} via numeric coercion")
	}
}

func TestMissingFieldEvaluatesFalse(t *testing.T) {
	p := parsePayload(t, `{"cat":"x"}`)
	if Eval(Eq("missing", "x"), p) {
		t.Error("expected missing field to evaluate false")
	}
}

func TestNilPayloadEvaluatesFalse(t *testing.T) {
	if Eval(Eq("cat", "x"), nil) {
		t.Error("expected nil payload to evaluate false for any leaf")
	}
}

func TestDotNotationNestedAccess(t *testing.T) {
	p := parsePayload(t, `{"a":{"b":{"c":42}}}`)
	if !Eval(Eq("a.b.c", 42.0), p) {
		t.Error("expected dot-notation access to find nested field")
	}
}

func TestGteEquivalentToGtOrEq(t *testing.T) {
	p := parsePayload(t, `{"n": 10}`)
	for _, v := range []float64{9, 10, 11} {
		want := Eval(Gt("n", v), p) || Eval(Eq("n", v), p)
		got := Eval(Gte("n", v), p)
		if want != got {
			t.Errorf("Gte(n,%v)=%v, want Gt||Eq=%v", v, got, want)
		}
	}
}

func TestLteEquivalentToLtOrEq(t *testing.T) {
	p := parsePayload(t, `{"n": 10}`)
	for _, v := range []float64{9, 10, 11} {
		want := Eval(Lt("n", v), p) || Eval(Eq("n", v), p)
		got := Eval(Lte("n", v), p)
		if want != got {
			t.Errorf("Lte(n,%v)=%v, want Lt||Eq=%v", v, got, want)
		}
	}
}

func TestEmptyAndIsTrue(t *testing.T) {
	if !Eval(And(), nil) {
		t.Error("expected empty And to evaluate true")
	}
}

func TestEmptyOrIsFalse(t *testing.T) {
	if Eval(Or(), nil) {
		t.Error("expected empty Or to evaluate false")
	}
}

func TestInMatchesAnyValue(t *testing.T) {
	p := parsePayload(t, `{"cat":"y"}`)
	if !Eval(In("cat", []interface{}{"x", "y", "z"}), p) {
		t.Error("expected In to match one of the listed values")
	}
	if Eval(In("cat", []interface{}{"x", "z"}), p) {
		t.Error("expected In to not match an absent value")
	}
}

func TestNeIsNegationOfEq(t *testing.T) {
	p := parsePayload(t, `{"cat":"x"}`)
	if Eval(Ne("cat", "x"), p) {
		t.Error("expected Ne(cat,x) to be false when Eq matches")
	}
	if !Eval(Ne("cat", "y"), p) {
		t.Error("expected Ne(cat,y) to be true when Eq does not match")
	}
}

func TestStringVsNumberComparisonIsFalse(t *testing.T) {
	p := parsePayload(t, `{"n": "not-a-number"}`)
	if Eval(Gt("n", 5), p) {
		t.Error("expected a string-vs-number comparison to evaluate false")
	}
}

func TestWireFormatRoundTrip(t *testing.T) {
	original := And(Eq("cat", "x"), Gt("age", 20.0), Or(In("tag", []interface{}{"a", "b"})))

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Filter
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	p := parsePayload(t, `{"cat":"x","age":25,"tag":"a"}`)
	if !Eval(decoded, p) {
		t.Error("expected round-tripped filter to still match")
	}

	p2 := parsePayload(t, `{"cat":"y","age":25,"tag":"a"}`)
	if Eval(decoded, p2) {
		t.Error("expected round-tripped filter to reject a non-matching document")
	}
}

func TestWireFormatBareValueShorthandIsEq(t *testing.T) {
	data := []byte(`{"cat":"x"}`)
	var decoded Filter
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	p := parsePayload(t, `{"cat":"x"}`)
	if !Eval(decoded, p) {
		t.Error("expected bare-value shorthand to parse as Eq")
	}
}

func TestEqOnArrayValuedFieldDoesNotPanic(t *testing.T) {
	p := parsePayload(t, `{"tags":["a","b","c"]}`)

	if !Eval(Eq("tags", []interface{}{"a", "b", "c"}), p) {
		t.Error("expected Eq to match an identical array value")
	}
	if Eval(Eq("tags", []interface{}{"a", "b"}), p) {
		t.Error("expected Eq to reject an array of different length")
	}
	if Eval(Eq("tags", []interface{}{"a", "b", "z"}), p) {
		t.Error("expected Eq to reject an array differing in an element")
	}
}

func TestEqOnObjectValuedFieldDoesNotPanic(t *testing.T) {
	p := parsePayload(t, `{"meta":{"a":1,"b":2}}`)

	if !Eval(Eq("meta", map[string]interface{}{"a": 1.0, "b": 2.0}), p) {
		t.Error("expected Eq to match an identical object value")
	}
	if Eval(Eq("meta", map[string]interface{}{"a": 1.0}), p) {
		t.Error("expected Eq to reject an object missing a key")
	}
}
