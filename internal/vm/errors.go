// Copyright 2024 The TinyOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vm

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Abort is called by Fatal once the error has been logged. It is a
// variable, not a hardcoded os.Exit, purely so tests can substitute a
// panic and recover instead of terminating the test binary.
var Abort = func() { os.Exit(2) }

// Fatal reports a fatal internal error — an invariant violated deeply
// enough that the simulated machine cannot continue (spec.md §7: "Fatal
// internal... Fatal errors abort the VM"). The VM is infallible by
// contract, so callers never receive an error return for this class of
// failure; Fatal logs a stack trace and aborts instead. errors.WithStack
// (github.com/pkg/errors) captures the trace without adopting wrapped
// errors as the ordinary propagation style — see DESIGN.md.
func Fatal(log *logrus.Logger, msg string, err error) {
	wrapped := errors.WithStack(errors.WithMessage(orNew(err), msg))
	if log != nil {
		log.WithField("stack", fmtStack(wrapped)).Error("tinyos: fatal internal error, aborting VM")
	}
	Abort()
}

func orNew(err error) error {
	if err != nil {
		return err
	}
	return errors.New("fatal internal error")
}

func fmtStack(err error) string {
	return fmt.Sprintf("%+v", err)
}
