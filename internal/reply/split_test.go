package reply

import (
	"strings"
	"testing"
)

func TestSplitTextShortInputIsUntouched(t *testing.T) {
	in := "Hola! Cómo estás?"
	pieces := SplitText(in, 400)
	if len(pieces) != 1 {
		t.Fatalf("expected 1 piece, got %d", len(pieces))
	}
	if pieces[0] != in {
		t.Fatalf("expected piece to equal input, got %q", pieces[0])
	}
}

func TestSplitTextRespectsLimit(t *testing.T) {
	sentence := "Este es un mensaje bastante largo que habla de muchas cosas."
	in := strings.TrimSpace(strings.Repeat(sentence+" ", 20))

	pieces := SplitText(in, 400)
	if len(pieces) < 2 {
		t.Fatalf("expected multiple pieces, got %d", len(pieces))
	}
	for i, piece := range pieces {
		if n := len([]rune(piece)); n > 400 {
			t.Fatalf("piece %d has %d runes, exceeds limit", i, n)
		}
		if piece != strings.TrimSpace(piece) {
			t.Fatalf("piece %d carries surrounding whitespace: %q", i, piece)
		}
	}
}

func TestSplitTextConcatenationPreservesContent(t *testing.T) {
	in := "Primera frase. Segunda frase! Tercera pregunta? Cuarta y última frase que completa el mensaje."
	pieces := SplitText(in, 30)

	joined := strings.Join(pieces, " ")
	if normalizeSpace(joined) != normalizeSpace(in) {
		t.Fatalf("content changed:\n in: %q\nout: %q", in, joined)
	}
}

func TestSplitTextCutsOnSentenceBoundaries(t *testing.T) {
	in := "Uno dos tres cuatro. Cinco seis siete ocho."
	pieces := SplitText(in, 25)
	if len(pieces) != 2 {
		t.Fatalf("expected 2 pieces, got %d: %q", len(pieces), pieces)
	}
	if pieces[0] != "Uno dos tres cuatro." {
		t.Fatalf("unexpected first piece: %q", pieces[0])
	}
	if pieces[1] != "Cinco seis siete ocho." {
		t.Fatalf("unexpected second piece: %q", pieces[1])
	}
}

func TestSplitTextHandlesOversizedSentence(t *testing.T) {
	in := strings.Repeat("palabra ", 100) + "final."
	pieces := SplitText(in, 50)
	for i, piece := range pieces {
		if n := len([]rune(piece)); n > 50 {
			t.Fatalf("piece %d has %d runes, exceeds limit", i, n)
		}
	}
}

func TestSplitTextKeepsDecimalNumbersTogether(t *testing.T) {
	in := "El precio es 10.50 pesos. Aplica hasta fin de mes."
	pieces := SplitText(in, 30)
	if pieces[0] != "El precio es 10.50 pesos." {
		t.Fatalf("decimal split incorrectly: %q", pieces[0])
	}
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
