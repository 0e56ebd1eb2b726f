package kmain

import (
	"bytes"
	"context"
	gosync "sync"
	"testing"
	"time"

	"gophertask/kernel/boot"
	"gophertask/kernel/kfmt"
	"gophertask/kernel/loader/elftest"
	"gophertask/kernel/mm"
	"gophertask/kernel/smp"

	"github.com/pkg/errors"
)

func testInfo(cmdLine string, modules ...string) *boot.Info {
	info := &boot.Info{
		CmdLine: cmdLine,
		MemoryMap: []boot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x9fc00, Type: boot.MemAvailable},
			{PhysAddress: 0x9fc00, Length: 0x60400, Type: boot.MemReserved},
			{PhysAddress: 0x100000, Length: uint64(32*mm.Mb) - 0x100000, Type: boot.MemAvailable},
		},
		CPUs: []boot.CPU{{APICID: 0, BSP: true}, {APICID: 1}, {APICID: 2}, {APICID: 3}},
	}

	for _, name := range modules {
		info.Modules = append(info.Modules, boot.Module{
			Name: name,
			Image: elftest.Image{
				Entry: 0x400000,
				Segments: []elftest.Segment{
					{Addr: 0x400000, Data: []byte(name), MemSize: 0x2000},
				},
			}.Reader(),
		})
	}

	return info
}

func captureOutput(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })
	return &buf
}

func TestInit(t *testing.T) {
	specs := []struct {
		cmdLine  string
		expCores int
		expInit  string
	}{
		{"", 4, "shell"},
		{"smp.cores=2", 2, "shell"},
		{"smp.cores=1 init=login", 1, "login"},
	}

	for specIndex, spec := range specs {
		captureOutput(t)

		var (
			mu     gosync.Mutex
			online []uint32
		)
		m, err := Init(context.Background(), testInfo(spec.cmdLine, "shell", "login"), Options{
			Tracer: func(ev smp.Event) {
				if ev.Stage == smp.StageTimerUnmasked {
					mu.Lock()
					online = append(online, ev.Core)
					mu.Unlock()
				}
			},
		})
		if err != nil {
			t.Errorf("[spec %d] %v", specIndex, err)
			continue
		}

		if got := len(m.Cores()); got != spec.expCores {
			t.Errorf("[spec %d] expected %d cores; got %d", specIndex, spec.expCores, got)
		}

		if m.Cores()[0].ID() != 0 {
			t.Errorf("[spec %d] expected core 0 to be the BSP; got %d", specIndex, m.Cores()[0].ID())
		}

		if len(online) != spec.expCores {
			t.Errorf("[spec %d] expected %d cores to unmask their timers; got %d", specIndex, spec.expCores, len(online))
		}

		k := m.Kernel()
		pids := k.Processes()
		if len(pids) != 2 {
			t.Errorf("[spec %d] expected the kernel and init processes; got %v", specIndex, pids)
			continue
		}

		initProc, ok := k.Process(pids[1])
		if !ok {
			t.Errorf("[spec %d] init process not found", specIndex)
			continue
		}
		if initProc.Name() != spec.expInit {
			t.Errorf("[spec %d] expected init process %q; got %q", specIndex, spec.expInit, initProc.Name())
		}
		initProc.Release()
	}
}

func TestInitErrors(t *testing.T) {
	specs := []struct {
		descr string
		info  *boot.Info
	}{
		{"no modules", testInfo("")},
		{"unknown init module", testInfo("init=missing", "shell")},
		{"bad core count", testInfo("smp.cores=9", "shell")},
		{"bad quantum", testInfo("sched.quantum=soon", "shell")},
		{"no processors", func() *boot.Info {
			info := testInfo("", "shell")
			info.CPUs = nil
			return info
		}()},
		{"invalid init image", func() *boot.Info {
			info := testInfo("", "shell")
			info.Modules[0].Image = bytes.NewReader([]byte("not an elf"))
			return info
		}()},
	}

	for specIndex, spec := range specs {
		captureOutput(t)

		if _, err := Init(context.Background(), spec.info, Options{}); err == nil {
			t.Errorf("[spec %d] %s: expected an error", specIndex, spec.descr)
		}
	}

	captureOutput(t)
	if _, err := Init(context.Background(), testInfo(""), Options{}); errors.Cause(err) != errNoInitModule {
		t.Fatalf("expected errNoInitModule; got %v", err)
	}
}

func TestKmain(t *testing.T) {
	out := captureOutput(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := Kmain(ctx, testInfo("smp.cores=2 sched.quantum=1ms", "shell"), Options{}); err != nil {
		t.Fatal(err)
	}

	for _, exp := range []string{"[smp] 2 cores online", "[kmain] started init process 1 (shell)"} {
		if !bytes.Contains(out.Bytes(), []byte(exp)) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out.String())
		}
	}
}
