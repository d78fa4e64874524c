// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ebpf

// bpf2go here only produces the compiled .bpf.o objects; none of the
// three collectors load through the generated Go bindings. Each one
// resolves its own on-disk object path at runtime (see
// pkg/ebpf/timer.Config.ObjectPath, pkg/ebpf/sampler.Config.ObjectPath,
// and the task collector's equivalent), so -type/-go-package are
// unused here and the generated .go files are discarded.

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-I../../bpf/include -Wall -Werror -g -O2 -D__TARGET_ARCH_x86 -fdebug-types-section -fno-stack-protector" -target bpfel timer ../../bpf/src/timer.bpf.c -- -I../../bpf/include

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-I../../bpf/include -Wall -Werror -g -O2 -D__TARGET_ARCH_x86 -fdebug-types-section -fno-stack-protector" -target bpfel sampler ../../bpf/src/sampler.bpf.c -- -I../../bpf/include

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang -cflags "-I../../bpf/include -Wall -Werror -g -O2 -D__TARGET_ARCH_x86 -fdebug-types-section -fno-stack-protector" -target bpfel task ../../bpf/src/task.bpf.c -- -I../../bpf/include
