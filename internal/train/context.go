package train

import (
	"io"
	"os"

	"cpvae/internal/stats"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// RunContext is threaded through every training call in place of a global
// step counter and summary writer.
type RunContext struct {
	Step   int64
	Writer stats.ScalarWriter
	Log    logrus.FieldLogger
}

// ProgressOutput returns w when it is a terminal and nil otherwise, so
// carriage-return progress lines never end up in log files.
func ProgressOutput(w io.Writer) io.Writer {
	f, ok := w.(*os.File)
	if !ok {
		return nil
	}
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		return w
	}
	return nil
}
