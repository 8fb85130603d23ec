package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openfroyo/skein/pkg/fiber"
	"github.com/openfroyo/skein/pkg/result"
)

// finishAction saves the rerun file, prints rs and maps failed targets to
// ErrTargetsFailed unless errors are caught.
func (r *runtime) finishAction(rs *result.ResultSet, elapsed time.Duration, catchErrors bool) error {
	r.saveRerun(rs)

	if err := printResultSet(r.out, rs, elapsed, r.opts.jsonOutput); err != nil {
		return err
	}
	if !rs.OK() && !catchErrors {
		return ErrTargetsFailed
	}
	return nil
}

func printResultSet(w io.Writer, rs *result.ResultSet, elapsed time.Duration, asJSON bool) error {
	if asJSON {
		return writeJSON(w, map[string]any{
			"items":        rs.ToData(),
			"target_count": rs.Count(),
			"elapsed_time": elapsed.Seconds(),
		})
	}

	for _, res := range rs.Results() {
		if res.OK() {
			fmt.Fprintf(w, "Finished on %s:\n", res.Target().Name())
			writeIndented(w, resultOutput(res))
		} else {
			fmt.Fprintf(w, "Failed on %s:\n", res.Target().Name())
			writeIndented(w, res.Err().Error())
			writeIndented(w, resultOutput(res))
		}
	}

	if ok := rs.OKSet(); ok.Count() > 0 {
		fmt.Fprintf(w, "Successful on %s: %s\n", plural(ok.Count(), "target"), strings.Join(ok.Names(), ","))
	}
	if failed := rs.ErrorSet(); failed.Count() > 0 {
		fmt.Fprintf(w, "Failed on %s: %s\n", plural(failed.Count(), "target"), strings.Join(failed.Names(), ","))
	}
	fmt.Fprintf(w, "Ran on %s in %.2f sec\n", plural(rs.Count(), "target"), elapsed.Seconds())
	return nil
}

// resultOutput picks the text worth showing for a result: the _output
// message, the merged command output, or the value as JSON.
func resultOutput(res *result.Result) string {
	if msg := res.Message(); msg != "" {
		return msg
	}
	if out, ok := res.Get("merged_output"); ok {
		s, _ := out.(string)
		return s
	}
	value := res.Value()
	delete(value, "_error")
	if len(value) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(data)
}

func printPlanResult(w io.Writer, value any, elapsed time.Duration, asJSON bool) error {
	if asJSON {
		return writeJSON(w, map[string]any{
			"status":       string(result.StatusSuccess),
			"value":        value,
			"elapsed_time": elapsed.Seconds(),
		})
	}

	if value == nil {
		fmt.Fprintln(w, "Plan completed successfully with no result")
		return nil
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan result: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printPlanFailure(w io.Writer, err error, elapsed time.Duration) error {
	return writeJSON(w, map[string]any{
		"status":       string(result.StatusFailure),
		"value":        errorData(err),
		"elapsed_time": elapsed.Seconds(),
	})
}

// errorData converts any plan error into the structured error form.
func errorData(err error) map[string]any {
	var rf *result.RunFailure
	if errors.As(err, &rf) {
		return rf.ToError().ToData()
	}
	var pf *fiber.ParallelFailure
	if errors.As(err, &pf) {
		return pf.ToError().ToData()
	}
	var structured *result.Error
	if errors.As(err, &structured) {
		return structured.ToData()
	}
	return result.FromException(err).ToData()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}

func writeIndented(w io.Writer, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
