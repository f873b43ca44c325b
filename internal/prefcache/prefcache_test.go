package prefcache

import "testing"

func TestCacheUpdateThenGet(t *testing.T) {
	c := New()
	if _, ok := c.Get("P1"); ok {
		t.Fatal("fresh cache should have no entry for P1")
	}

	c.Update("P1", HintInlineJSON)
	pref, ok := c.Get("P1")
	if !ok {
		t.Fatal("expected entry for P1 after Update")
	}
	if pref.Hint != HintInlineJSON {
		t.Errorf("Hint = %v, want HintInlineJSON", pref.Hint)
	}
	if !pref.PrefersInline {
		t.Error("PrefersInline should be true for inline-json hint")
	}
}

func TestCacheUpdatePackedNotInline(t *testing.T) {
	c := New()
	c.Update("P2", HintPacked)
	pref, _ := c.Get("P2")
	if pref.PrefersInline {
		t.Error("PrefersInline should be false for packed hint")
	}
}

func TestCacheUpdateOverwrites(t *testing.T) {
	c := New()
	c.Update("P1", HintPacked)
	c.Update("P1", HintSwiftJSON)
	pref, _ := c.Get("P1")
	if pref.Hint != HintSwiftJSON {
		t.Errorf("Hint = %v, want most recent HintSwiftJSON", pref.Hint)
	}
}
