package canonicalize

import (
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != `{"a":1,"b":2,"c":3}` {
		t.Errorf("unexpected output %s", b)
	}
}

func TestJCS_StructTagsAndNesting(t *testing.T) {
	type asset struct {
		SHA256   string `json:"sha256"`
		FileName string `json:"fileName"`
		Size     int64  `json:"size"`
	}
	input := map[string]any{
		"assets": map[string]asset{
			"b": {SHA256: "ff", FileName: "b.txt", Size: 2},
			"a": {SHA256: "00", FileName: "a.txt", Size: 1},
		},
	}

	expected := `{"assets":{"a":{"fileName":"a.txt","sha256":"00","size":1},"b":{"fileName":"b.txt","sha256":"ff","size":2}}}`
	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, b)
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{"html": "<b>&</b>"}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(b) != `{"html":"<b>&</b>"}` {
		t.Errorf("HTML was escaped: %s", b)
	}
}

func TestTransform_WhitespaceInsensitive(t *testing.T) {
	a, err := Transform([]byte("{ \"b\" : [1, 2],\n \"a\": \"x\" }"))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	b, err := Transform([]byte(`{"a":"x","b":[1,2]}`))
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical forms differ: %s vs %s", a, b)
	}
}

func TestTransform_RejectsInvalidJSON(t *testing.T) {
	if _, err := Transform([]byte(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated JSON")
	}
}

func TestHashBytes(t *testing.T) {
	got := HashBytes([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("HashBytes(abc) = %s, want %s", got, want)
	}
}

func TestNormalizeText(t *testing.T) {
	decomposed := "Cafe\u0301"
	if NormalizeText(decomposed) != "Caf\u00e9" {
		t.Errorf("expected NFC composition, got %q", NormalizeText(decomposed))
	}
}
