package wgpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gogpu/naga"
)

// compositeWGSL samples each source pixel through the inverse of the
// view's vertex rotation, so a pre-rotated surface receives upright
// content. Buffers are tightly-typed u32 texel arrays with padded row
// strides to satisfy the 256-byte copy pitch requirement.
const compositeWGSL = `
struct Params {
    src_w: u32,
    src_h: u32,
    src_stride: u32,
    dst_w: u32,
    dst_h: u32,
    dst_stride: u32,
    _pad0: u32,
    _pad1: u32,
    m00: f32,
    m01: f32,
    m10: f32,
    m11: f32,
};

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> src: array<u32>;
@group(0) @binding(2) var<storage, read_write> dst: array<u32>;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    if (gid.x >= params.dst_w || gid.y >= params.dst_h) {
        return;
    }
    let u = (f32(gid.x) + 0.5) / f32(params.dst_w) - 0.5;
    let v = (f32(gid.y) + 0.5) / f32(params.dst_h) - 0.5;
    let su = params.m00 * u + params.m01 * v + 0.5;
    let sv = params.m10 * u + params.m11 * v + 0.5;
    let sx = min(u32(su * f32(params.src_w)), params.src_w - 1u);
    let sy = min(u32(sv * f32(params.src_h)), params.src_h - 1u);
    dst[gid.y * params.dst_stride + gid.x] = src[sy * params.src_stride + sx];
}
`

// workgroupSize matches @workgroup_size in compositeWGSL.
const workgroupSize = 16

// compileToSPIRV compiles WGSL to SPIR-V words. SPIR-V is little-endian
// 32-bit words; naga emits bytes.
func compileToSPIRV(wgslSource string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgslSource)
	if err != nil {
		return nil, fmt.Errorf("wgpu: compiling shader: %w", err)
	}
	return spirvWords(spirvBytes), nil
}

func spirvWords(b []byte) []uint32 {
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return words
}

// compositeParams mirrors the Params struct in compositeWGSL.
type compositeParams struct {
	srcW, srcH, srcStride uint32
	dstW, dstH, dstStride uint32
	m                     [4]float32
}

// paramsSize is the byte size of the packed Params uniform.
const paramsSize = 48

func (p compositeParams) pack() []byte {
	buf := make([]byte, paramsSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], p.srcW)
	le.PutUint32(buf[4:], p.srcH)
	le.PutUint32(buf[8:], p.srcStride)
	le.PutUint32(buf[12:], p.dstW)
	le.PutUint32(buf[16:], p.dstH)
	le.PutUint32(buf[20:], p.dstStride)
	for i, m := range p.m {
		le.PutUint32(buf[32+i*4:], math.Float32bits(m))
	}
	return buf
}

// copyPitchAlignment is the BytesPerRow alignment WebGPU and DX12 require
// for texture/buffer copies.
const copyPitchAlignment = 256

// alignedRowBytes rounds a row of w RGBA8 texels up to the copy pitch.
func alignedRowBytes(w int) int {
	return (w*4 + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
}
