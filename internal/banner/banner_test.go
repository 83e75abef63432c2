package banner

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintAlignsLabels(t *testing.T) {
	var buf bytes.Buffer
	Print(&buf, "SOFTPHONE", []ConfigLine{
		{Label: "HTTP Listen", Value: "0.0.0.0:3000"},
		{Label: "gRPC", Value: "0.0.0.0:9090"},
	})

	out := buf.String()
	for _, want := range []string{
		"SOFTPHONE\n",
		"  HTTP Listen : 0.0.0.0:3000\n",
		"  gRPC        : 0.0.0.0:9090\n",
		"Ready.\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q:\n%s", want, out)
		}
	}
}
