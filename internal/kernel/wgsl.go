package kernel

import (
	"fmt"
	"strings"

	"github.com/gogpu/nlmeans/gpucore"
)

// lane swizzles, indexed by component or lane.
const swz = "xyzw"

// Lower renders a program as WGSL with the given descriptor layout.
func Lower(prog *gpucore.Program, bindings []gpucore.Binding, l *Layout) string {
	w := &wgslWriter{prog: prog}
	for _, in := range prog.Instrs {
		if in.Op == gpucore.OpAccumulate && in.Atomic {
			w.atomic = true
		}
	}
	w.header(bindings, l)
	w.body()
	return w.b.String()
}

type wgslWriter struct {
	b      strings.Builder
	prog   *gpucore.Program
	atomic bool
	depth  int

	// state of the open loop
	axis gpucore.Axis
	comp int
}

func (w *wgslWriter) line(format string, args ...any) {
	w.b.WriteString(strings.Repeat("    ", w.depth))
	fmt.Fprintf(&w.b, format, args...)
	w.b.WriteByte('\n')
}

func (w *wgslWriter) open(format string, args ...any) {
	w.line(format, args...)
	w.depth++
}

func (w *wgslWriter) close() {
	w.depth--
	w.line("}")
}

func (w *wgslWriter) weights() bool { return w.prog.Kind == gpucore.KernelWeights }

func (w *wgslWriter) header(bindings []gpucore.Binding, l *Layout) {
	w.line("// nlmeans %s kernel", w.prog.Kind)
	w.line("")
	if w.weights() {
		w.open("struct Params {")
		w.line("xoffs: vec4<i32>,")
		w.line("yoffs: vec4<i32>,")
		w.line("width: vec4<u32>,")
		w.line("height: vec4<u32>,")
		w.line("ws_stride: vec4<u32>,")
		w.line("patch_size: vec4<i32>,")
		w.line("strength: vec4<f32>,")
		w.line("int_stride: u32,")
		w.close()
	} else {
		w.open("struct Params {")
		w.line("width: vec4<u32>,")
		w.line("height: vec4<u32>,")
		w.line("ws_stride: vec4<u32>,")
		w.close()
	}
	w.line("")

	for _, bd := range bindings {
		decl := fmt.Sprintf("@group(0) @binding(%d) ", bd.Slot)
		switch bd.Role {
		case gpucore.RoleParams:
			w.line("%svar<uniform> params: Params;", decl)
		case gpucore.RoleSource:
			w.line("%svar<storage, read> src%d: array<f32>;", decl, bd.Index)
		case gpucore.RoleDestination:
			w.line("%svar<storage, read_write> dst%d: array<f32>;", decl, bd.Index)
		case gpucore.RoleIntegral:
			w.line("%svar<storage, read_write> integral: array<vec4<f32>>;", decl)
		case gpucore.RoleState:
			w.line("%svar<storage, read_write> state: array<vec4<f32>>;", decl)
		case gpucore.RoleWeights, gpucore.RoleSums:
			name := fmt.Sprintf("%s%d", bd.Role, bd.Index)
			switch {
			case !w.weights():
				w.line("%svar<storage, read> %s: array<f32>;", decl, name)
			case w.atomic:
				w.line("%svar<storage, read_write> %s: array<atomic<u32>>;", decl, name)
			default:
				w.line("%svar<storage, read_write> %s: array<f32>;", decl, name)
			}
		}
	}
	w.line("")

	if w.weights() {
		w.line("const WG: u32 = %du;", l.WorkgroupSize)
		w.line("const ROWS: u32 = %du;", l.Rows)
		w.line("")
		for p, ch := range l.Channels {
			w.open("fn load%d(x: i32, y: i32, ch: u32, w: u32, h: u32) -> f32 {", p)
			w.line("let cx = u32(clamp(x, 0, i32(w) - 1));")
			w.line("let cy = u32(clamp(y, 0, i32(h) - 1));")
			w.line("return src%d[(cy * w + cx) * %du + ch];", p, ch)
			w.close()
			w.line("")
		}
		if w.atomic {
			for _, bd := range bindings {
				if bd.Role != gpucore.RoleWeights && bd.Role != gpucore.RoleSums {
					continue
				}
				name := fmt.Sprintf("%s%d", bd.Role, bd.Index)
				w.open("fn add_%s(idx: u32, v: f32) {", name)
				w.line("var old = atomicLoad(&%s[idx]);", name)
				w.open("loop {")
				w.line("let r = atomicCompareExchangeWeak(&%s[idx], old, bitcast<u32>(bitcast<f32>(old) + v));", name)
				w.open("if (r.exchanged) {")
				w.line("break;")
				w.close()
				w.line("old = r.old_value;")
				w.close()
				w.close()
				w.line("")
			}
		}
		w.line("@compute @workgroup_size(%d, 1, 1)", l.WorkgroupSize)
		w.open("fn main(@builtin(local_invocation_id) lid: vec3<u32>) {")
		w.line("let gid = lid.x;")
		w.line("let stride = params.int_stride;")
		return
	}
	w.line("@compute @workgroup_size(%d, %d, 1)", DenoiseWorkgroup, DenoiseWorkgroup)
	w.open("fn main(@builtin(global_invocation_id) gid: vec3<u32>) {")
}

func (w *wgslWriter) body() {
	for _, in := range w.prog.Instrs {
		switch in.Op {
		case gpucore.OpBarrier:
			w.line("workgroupBarrier();")
			w.line("storageBarrier();")
		case gpucore.OpBeginLines:
			w.beginLines(in)
		case gpucore.OpEndLines:
			w.close()
		case gpucore.OpDifference:
			w.difference(in)
		case gpucore.OpLocalPrefix:
			w.localPrefix()
		case gpucore.OpCarry:
			w.carry()
		case gpucore.OpBeginPixels:
			w.beginPixels(in)
		case gpucore.OpEndPixels:
			w.close()
			w.close()
			if w.axis != gpucore.AxisGrid {
				w.close()
			}
		case gpucore.OpPatchWeight:
			w.patchWeight(in)
		case gpucore.OpAccumulate:
			w.accumulate(in)
		case gpucore.OpLoad:
			w.line("var px: array<f32, 4>;")
			w.open("for (var k = 0u; k < %du; k = k + 1u) {", w.prog.Channels[in.Plane])
			w.line("px[k] = src%d[base + k];", in.Plane)
			w.close()
		case gpucore.OpNormalize:
			s := swz[in.Component]
			w.open("{")
			w.line("let wi = gid.y * params.ws_stride.%c + gid.x;", s)
			w.line("let wt = weights%d[wi];", in.Component)
			w.line("let sm = sums%d[wi];", in.Component)
			w.line("let v = px[%d];", in.Channel)
			w.line("px[%d] = v + sm / ((1.0 + wt) * 255.0);", in.Channel)
			w.close()
		case gpucore.OpStore:
			w.open("for (var k = 0u; k < %du; k = k + 1u) {", w.prog.Channels[in.Plane])
			w.line("dst%d[base + k] = px[k];", in.Plane)
			w.close()
		}
	}
	w.close() // main
}

// dims returns the lines bound and line length of the open loop.
func (w *wgslWriter) dims() (lines, length string) {
	s := swz[w.comp]
	if w.axis == gpucore.AxisHorizontal {
		return fmt.Sprintf("params.height.%c", s), fmt.Sprintf("params.width.%c", s)
	}
	return fmt.Sprintf("params.width.%c", s), fmt.Sprintf("params.height.%c", s)
}

// index returns the integral index and pixel coordinates of element e of
// the current line.
func (w *wgslWriter) index() (idx, x, y string) {
	if w.axis == gpucore.AxisHorizontal {
		return "line * stride + e", "e", "line"
	}
	return "e * stride + line", "line", "e"
}

func (w *wgslWriter) beginLines(in gpucore.Instr) {
	w.axis, w.comp = in.Axis, in.Component
	lines, length := w.dims()
	w.open("for (var line = 0u; line < %s; line = line + 1u) {", lines)
	w.line("let len = %s;", length)
}

func (w *wgslWriter) forElements() {
	w.open("for (var r = 0u; r < ROWS; r = r + 1u) {")
	w.line("let e = gid * ROWS + r;")
	w.open("if (e < len) {")
}

func (w *wgslWriter) endElements() {
	w.close()
	w.close()
}

func (w *wgslWriter) neighbors(plane, ch int) string {
	s := swz[w.comp]
	parts := make([]string, gpucore.Lanes)
	for k := range parts {
		parts[k] = fmt.Sprintf("load%d(x + params.xoffs.%c, y + params.yoffs.%c, %du, params.width.%c, params.height.%c)",
			plane, swz[k], swz[k], ch, s, s)
	}
	return "vec4<f32>(" + strings.Join(parts, ", ") + ")"
}

func (w *wgslWriter) difference(in gpucore.Instr) {
	idx, x, y := w.index()
	s := swz[w.comp]
	w.forElements()
	w.line("let x = i32(%s);", x)
	w.line("let y = i32(%s);", y)
	w.line("let s1 = vec4<f32>(load%d(x, y, %du, params.width.%c, params.height.%c));", in.Plane, in.Channel, s, s)
	w.line("let s2 = %s;", w.neighbors(in.Plane, in.Channel))
	w.line("let d = s1 - s2;")
	w.line("integral[%s] = d * d;", idx)
	w.endElements()
}

func (w *wgslWriter) localPrefix() {
	idx, _, _ := w.index()
	w.open("{")
	w.line("var acc = vec4<f32>(0.0);")
	w.forElements()
	w.line("acc = acc + integral[%s];", idx)
	w.line("integral[%s] = acc;", idx)
	w.endElements()
	w.line("state[gid] = acc;")
	w.close()
}

func (w *wgslWriter) carry() {
	idx, _, _ := w.index()
	w.open("{")
	w.line("var src = 0u;")
	w.open("for (var off = 1u; off < WG; off = off << 1u) {")
	w.line("var v = state[src * WG + gid];")
	w.open("if (gid >= off) {")
	w.line("v = v + state[src * WG + gid - off];")
	w.close()
	w.line("state[(1u - src) * WG + gid] = v;")
	w.line("workgroupBarrier();")
	w.line("storageBarrier();")
	w.line("src = 1u - src;")
	w.close()
	w.line("var carry = vec4<f32>(0.0);")
	w.open("if (gid > 0u) {")
	w.line("carry = state[src * WG + gid - 1u];")
	w.close()
	w.forElements()
	w.line("integral[%s] = integral[%s] + carry;", idx, idx)
	w.endElements()
	w.close()
}

func (w *wgslWriter) beginPixels(in gpucore.Instr) {
	w.axis, w.comp = in.Axis, in.Component
	s := swz[in.Component]
	if in.Axis == gpucore.AxisGrid {
		w.open("{")
		w.line("let w = params.width.%c;", s)
		w.line("let h = params.height.%c;", s)
		w.open("if (gid.x < w && gid.y < h) {")
		w.line("let base = (gid.y * w + gid.x) * %du;", w.prog.Channels[in.Plane])
		return
	}
	_, x, y := w.index()
	lines, length := w.dims()
	w.open("for (var line = 0u; line < %s; line = line + 1u) {", lines)
	w.line("let len = %s;", length)
	w.forElements()
	w.line("let x = i32(%s);", x)
	w.line("let y = i32(%s);", y)
}

func (w *wgslWriter) patchWeight(in gpucore.Instr) {
	s := swz[in.Component]
	w.line("let ps = params.patch_size.%c;", s)
	w.line("let xa = x - ps;")
	w.line("let ya = y - ps;")
	w.line("var wsum = 0.0;")
	w.line("var ssum = 0.0;")
	w.line("var contrib = false;")
	w.open("if (xa >= 0 && ya >= 0) {")
	w.line("let xb = min(x + ps, i32(params.width.%c) - 1);", s)
	w.line("let yb = min(y + ps, i32(params.height.%c) - 1);", s)
	w.line("let ta = integral[u32(ya) * stride + u32(xa)];")
	w.line("let tb = integral[u32(yb) * stride + u32(xa)];")
	w.line("let tc = integral[u32(ya) * stride + u32(xb)];")
	w.line("let td = integral[u32(yb) * stride + u32(xb)];")
	w.line("let wt = exp((td + ta - tb - tc) * params.strength.%c);", s)
	w.line("let v = load%d(x, y, %du, params.width.%c, params.height.%c);", in.Plane, in.Channel, s, s)
	w.line("let n = %s;", w.neighbors(in.Plane, in.Channel))
	w.line("wsum = wt.x + wt.y + wt.z + wt.w;")
	w.line("ssum = dot(wt, (n - vec4<f32>(v)) * 255.0);")
	w.line("contrib = true;")
	w.close()
}

func (w *wgslWriter) accumulate(in gpucore.Instr) {
	w.open("if (contrib) {")
	w.line("let wi = u32(y) * params.ws_stride.%c + u32(x);", swz[in.Component])
	if in.Atomic {
		w.line("add_weights%d(wi, wsum);", in.Component)
		w.line("add_sums%d(wi, ssum);", in.Component)
	} else {
		w.line("weights%d[wi] = weights%d[wi] + wsum;", in.Component, in.Component)
		w.line("sums%d[wi] = sums%d[wi] + ssum;", in.Component, in.Component)
	}
	w.close()
}
