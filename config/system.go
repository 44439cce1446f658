package config

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// HWQueue names one hardware RX queue as port:queue.
type HWQueue struct {
	Port  int
	Queue int
}

func (q HWQueue) String() string {
	return fmt.Sprintf("%d:%d", q.Port, q.Queue)
}

// IOThreadConf maps one I/O thread onto a core and its attached queues.
type IOThreadConf struct {
	Core     int
	RxQueues []HWQueue
	SwRxQ    int
}

// CompThreadConf maps one computation thread. TaskInQ/TaskOutQ are -1 when
// the thread has no coprocessor attachment.
type CompThreadConf struct {
	Core     int
	SwRxQ    int
	TaskInQ  int
	TaskOutQ int
}

// CoprocThreadConf maps one coprocessor thread and its device.
type CoprocThreadConf struct {
	Core    int
	Device  int
	TaskInQ int
}

// System holds the recognized system parameters and thread mapping tables.
type System struct {
	NumRxqPerPort          int
	IODescPerHwRxq         int
	IODescPerHwTxq         int
	IOBatchSize            int
	CompBatchSize          int
	CoprocPpdepth          int
	CoprocInputQLength     int
	CoprocComplQLength     int
	CoprocCtxPerCompThread int
	BatchpoolSize          int
	TaskpoolSize           int

	IOThreads     []IOThreadConf
	CompThreads   []CompThreadConf
	CoprocThreads []CoprocThreadConf
}

// recognizedKeys lists scalar parameters in canonical order.
var recognizedKeys = []string{
	"NUM_RXQ_PER_PORT",
	"IO_DESC_PER_HWRXQ",
	"IO_DESC_PER_HWTXQ",
	"IO_BATCH_SIZE",
	"COMP_BATCH_SIZE",
	"COPROC_PPDEPTH",
	"COPROC_INPUTQ_LENGTH",
	"COPROC_COMPLETIONQ_LENGTH",
	"COPROC_CTX_PER_COMPTHREAD",
	"BATCHPOOL_SIZE",
	"TASKPOOL_SIZE",
}

// DefaultSystem returns a System with default parameters and no threads.
func DefaultSystem() *System {
	return &System{
		NumRxqPerPort:          1,
		IODescPerHwRxq:         1024,
		IODescPerHwTxq:         1024,
		IOBatchSize:            32,
		CompBatchSize:          64,
		CoprocPpdepth:          32,
		CoprocInputQLength:     64,
		CoprocComplQLength:     64,
		CoprocCtxPerCompThread: 2,
		BatchpoolSize:          512,
		TaskpoolSize:           256,
	}
}

func (sys *System) paramPtr(key string) *int {
	switch key {
	case "NUM_RXQ_PER_PORT":
		return &sys.NumRxqPerPort
	case "IO_DESC_PER_HWRXQ":
		return &sys.IODescPerHwRxq
	case "IO_DESC_PER_HWTXQ":
		return &sys.IODescPerHwTxq
	case "IO_BATCH_SIZE":
		return &sys.IOBatchSize
	case "COMP_BATCH_SIZE":
		return &sys.CompBatchSize
	case "COPROC_PPDEPTH":
		return &sys.CoprocPpdepth
	case "COPROC_INPUTQ_LENGTH":
		return &sys.CoprocInputQLength
	case "COPROC_COMPLETIONQ_LENGTH":
		return &sys.CoprocComplQLength
	case "COPROC_CTX_PER_COMPTHREAD":
		return &sys.CoprocCtxPerCompThread
	case "BATCHPOOL_SIZE":
		return &sys.BatchpoolSize
	case "TASKPOOL_SIZE":
		return &sys.TaskpoolSize
	}
	return nil
}

// LoadSystem reads the key-value system configuration file.
func LoadSystem(path string) (*System, error) {
	f, e := ini.Load(path)
	if e != nil {
		return nil, fmt.Errorf("system config: %w", e)
	}
	return parseSystem(f)
}

// ParseSystem reads the system configuration from bytes.
func ParseSystem(body []byte) (*System, error) {
	f, e := ini.Load(body)
	if e != nil {
		return nil, fmt.Errorf("system config: %w", e)
	}
	return parseSystem(f)
}

func parseSystem(f *ini.File) (*System, error) {
	sys := DefaultSystem()
	root := f.Section(ini.DefaultSection)
	for _, key := range root.Keys() {
		ptr := sys.paramPtr(key.Name())
		if ptr == nil {
			return nil, fmt.Errorf("system config: unrecognized key %q", key.Name())
		}
		v, e := key.Int()
		if e != nil || v <= 0 {
			return nil, fmt.Errorf("system config: bad value for %s: %q", key.Name(), key.Value())
		}
		*ptr = v
	}

	type numbered struct {
		n   int
		sec *ini.Section
	}
	grouped := map[string][]numbered{}
	for _, sec := range f.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection {
			continue
		}
		parts := strings.SplitN(name, ".", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("system config: bad section %q", name)
		}
		n, e := strconv.Atoi(parts[1])
		if e != nil {
			return nil, fmt.Errorf("system config: bad section %q", name)
		}
		grouped[parts[0]] = append(grouped[parts[0]], numbered{n: n, sec: sec})
	}
	for kind, list := range grouped {
		sort.Slice(list, func(i, j int) bool { return list[i].n < list[j].n })
		for _, item := range list {
			switch kind {
			case "io":
				conf := IOThreadConf{
					Core:  item.sec.Key("core").MustInt(-1),
					SwRxQ: item.sec.Key("swrxq").MustInt(-1),
				}
				for _, tok := range item.sec.Key("rxqs").Strings(",") {
					var q HWQueue
					if _, e := fmt.Sscanf(strings.TrimSpace(tok), "%d:%d", &q.Port, &q.Queue); e != nil {
						return nil, fmt.Errorf("system config: bad rxq %q in %s", tok, item.sec.Name())
					}
					conf.RxQueues = append(conf.RxQueues, q)
				}
				sys.IOThreads = append(sys.IOThreads, conf)
			case "comp":
				sys.CompThreads = append(sys.CompThreads, CompThreadConf{
					Core:     item.sec.Key("core").MustInt(-1),
					SwRxQ:    item.sec.Key("swrxq").MustInt(-1),
					TaskInQ:  item.sec.Key("taskinq").MustInt(-1),
					TaskOutQ: item.sec.Key("taskoutq").MustInt(-1),
				})
			case "coproc":
				sys.CoprocThreads = append(sys.CoprocThreads, CoprocThreadConf{
					Core:    item.sec.Key("core").MustInt(-1),
					Device:  item.sec.Key("device").MustInt(0),
					TaskInQ: item.sec.Key("taskinq").MustInt(-1),
				})
			default:
				return nil, fmt.Errorf("system config: unknown section kind %q", kind)
			}
		}
	}

	if e := sys.validate(); e != nil {
		return nil, e
	}
	return sys, nil
}

func (sys *System) validate() error {
	for i, conf := range sys.IOThreads {
		if conf.Core < 0 {
			return fmt.Errorf("system config: io.%d has no core", i)
		}
		if conf.SwRxQ < 0 {
			return fmt.Errorf("system config: io.%d has no swrxq", i)
		}
	}
	for i, conf := range sys.CompThreads {
		if conf.Core < 0 {
			return fmt.Errorf("system config: comp.%d has no core", i)
		}
		if conf.SwRxQ < 0 {
			return fmt.Errorf("system config: comp.%d has no swrxq", i)
		}
	}
	for i, conf := range sys.CoprocThreads {
		if conf.Core < 0 {
			return fmt.Errorf("system config: coproc.%d has no core", i)
		}
		if conf.TaskInQ < 0 {
			return fmt.Errorf("system config: coproc.%d has no taskinq", i)
		}
	}
	return nil
}

// WriteCanonical emits the recognized scalar keys in canonical order.
// Loading the output yields the same parameters.
func (sys *System) WriteCanonical(w io.Writer) error {
	for _, key := range recognizedKeys {
		if _, e := fmt.Fprintf(w, "%s = %d\n", key, *sys.paramPtr(key)); e != nil {
			return e
		}
	}
	return nil
}
