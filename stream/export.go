package stream

import (
	"fmt"
	"io"

	"github.com/flashseries/tsdb/rowformat"
	"github.com/flashseries/tsdb/txn"
)

// Export writes every row of seriesID in [firstTS, lastTS] to out as
// tab-separated "key\ttimestamp\tvalue value ...\n" lines, the format
// ReadSeries' output feeds directly into rowformat.Format.Decode.
func Export(tx *txn.Transaction, seriesID uint64, key string, firstTS, lastTS uint64, out io.Writer, opts Options) error {
	var rowErr error
	err := tx.ReadSeries(seriesID, firstTS, lastTS, func(ts uint64, format *rowformat.Format, payload []byte) {
		if rowErr != nil {
			return
		}
		if _, err := fmt.Fprintf(out, "%s\t%s\t", escape(key), opts.formatTimestamp(ts)); err != nil {
			rowErr = err
			return
		}
		if err := format.Decode(payload, out); err != nil {
			rowErr = err
			return
		}
		if _, err := io.WriteString(out, "\n"); err != nil {
			rowErr = err
		}
	})
	if err != nil {
		return err
	}
	return rowErr
}
