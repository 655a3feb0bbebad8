package stdoutvertical

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/turnon/deferred/output/common"
)

type stdoutvertical struct {
	lock  sync.Mutex
	out   io.Writer
	count uint64
}

// New 竖向打印每条记录，out为空时打印到标准输出
func New(out io.Writer) *stdoutvertical {
	if out == nil {
		out = os.Stdout
	}
	return &stdoutvertical{out: out}
}

func (stdver *stdoutvertical) Write(ctx context.Context, r common.Record) error {
	stdver.lock.Lock()
	defer stdver.lock.Unlock()

	stdver.count += 1

	sb := &strings.Builder{}
	sb.WriteString("Row ")
	sb.WriteString(strconv.FormatUint(stdver.count, 10))
	sb.WriteString(":")
	titleLen := sb.Len()
	sb.WriteString("\n")
	for i := titleLen; i > 0; i-- {
		sb.WriteString("-")
	}
	sb.WriteString("\n")

	writeKV(sb, "task_id", r.TaskID)
	writeKV(sb, "target", r.Target)
	writeKV(sb, "fire_time", r.FireTime.Format(time.RFC3339))
	writeKV(sb, "finished_at", r.FinishedAt.Format(time.RFC3339))
	if r.Failed() {
		writeKV(sb, "error", r.Error)
	}

	if len(r.Response) > 0 {
		sb.WriteString("---\n")
		flat, err := flatten(r.Response)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(flat))
		for k := range flat {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeKV(sb, k, fmt.Sprintf("%v", flat[k]))
		}
	}

	sb.WriteString("\n")

	_, err := io.WriteString(stdver.out, sb.String())
	return err
}

func (stdver *stdoutvertical) Close(ctx context.Context) error {
	return nil
}

func writeKV(sb *strings.Builder, k, v string) {
	sb.WriteString(k)
	sb.WriteString(": ")
	sb.WriteString(v)
	sb.WriteString("\n")
}

// flatten 把嵌套的json展开成一层，键用下划线连接，数组用下标
func flatten(raw json.RawMessage) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	flat := make(map[string]any)
	flattenInto(flat, "", v)
	return flat, nil
}

func flattenInto(flat map[string]any, prefix string, v any) {
	switch realV := v.(type) {
	case map[string]any:
		if len(realV) == 0 && prefix != "" {
			flat[prefix] = "{}"
		}
		for k, subV := range realV {
			flattenInto(flat, join(prefix, k), subV)
		}
	case []any:
		if len(realV) == 0 && prefix != "" {
			flat[prefix] = "[]"
		}
		for i, eleV := range realV {
			flattenInto(flat, join(prefix, strconv.Itoa(i)), eleV)
		}
	case nil:
		flat[keyOrValue(prefix)] = "null"
	default:
		flat[keyOrValue(prefix)] = realV
	}
}

func join(prefix, k string) string {
	if prefix == "" {
		return k
	}
	return prefix + "_" + k
}

// keyOrValue 顶层是标量时用value作键
func keyOrValue(prefix string) string {
	if prefix == "" {
		return "value"
	}
	return prefix
}
