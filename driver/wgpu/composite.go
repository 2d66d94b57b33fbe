package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/ToasterUwU/monado/driver"
)

// compositePipeline is the per-device composition compute pipeline,
// compiled once at device creation.
type compositePipeline struct {
	module   hal.ShaderModule
	bgLayout hal.BindGroupLayout
	layout   hal.PipelineLayout
	pipeline hal.ComputePipeline
}

func newCompositePipeline(dev hal.Device) (*compositePipeline, error) {
	words, err := compileToSPIRV(compositeWGSL)
	if err != nil {
		return nil, err
	}
	p := &compositePipeline{}

	p.module, err = dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "composite",
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: creating composite shader module: %w", err)
	}

	p.bgLayout, err = dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "composite_bgl",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
			},
		},
	})
	if err != nil {
		p.destroy(dev)
		return nil, fmt.Errorf("wgpu: creating composite bind group layout: %w", err)
	}

	p.layout, err = dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "composite_pl",
		BindGroupLayouts: []hal.BindGroupLayout{p.bgLayout},
	})
	if err != nil {
		p.destroy(dev)
		return nil, fmt.Errorf("wgpu: creating composite pipeline layout: %w", err)
	}

	p.pipeline, err = dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  "composite",
		Layout: p.layout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		p.destroy(dev)
		return nil, fmt.Errorf("wgpu: creating composite pipeline: %w", err)
	}
	return p, nil
}

func (p *compositePipeline) destroy(dev hal.Device) {
	if p.pipeline != nil {
		dev.DestroyComputePipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.layout != nil {
		dev.DestroyPipelineLayout(p.layout)
		p.layout = nil
	}
	if p.bgLayout != nil {
		dev.DestroyBindGroupLayout(p.bgLayout)
		p.bgLayout = nil
	}
	if p.module != nil {
		dev.DestroyShaderModule(p.module)
		p.module = nil
	}
}

// commandList holds one frame's encoded composition plus the transient
// resources it references. They stay alive until Destroy, which the
// coordinator calls only after the submission's fence has signaled.
type commandList struct {
	dev        *Device
	buf        hal.CommandBuffer
	buffers    []hal.Buffer
	bindGroups []hal.BindGroup
}

var _ driver.CommandList = (*commandList)(nil)

// Destroy releases the command buffer and transient resources. Idempotent.
func (cl *commandList) Destroy() {
	if cl.buf != nil {
		cl.dev.dev.FreeCommandBuffer(cl.buf)
		cl.buf = nil
	}
	for _, bg := range cl.bindGroups {
		cl.dev.dev.DestroyBindGroup(bg)
	}
	cl.bindGroups = nil
	for _, b := range cl.buffers {
		cl.dev.dev.DestroyBuffer(b)
	}
	cl.buffers = nil
}

// RecordComposition encodes one compute dispatch per view: the source
// texture is staged into a storage buffer, resampled through the view's
// rotation into a target-rect buffer, and copied into the target at the
// viewport origin. Both dispatch modes record the same sequence; hal has
// no fixed-function blit, so the graphics flavor offers no shortcut here.
func (d *Device) RecordComposition(info driver.CompositionInfo) (driver.CommandList, error) {
	if d.destroyed.Load() {
		return nil, driver.ErrDeviceLost
	}
	tgt, ok := info.Target.(*Image)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign target image %T", info.Target)
	}

	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: info.Label,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: creating encoder: %w", err)
	}
	if err := encoder.BeginEncoding(info.Label); err != nil {
		return nil, fmt.Errorf("wgpu: beginning encoding: %w", err)
	}

	cl := &commandList{dev: d}
	fail := func(err error) (driver.CommandList, error) {
		encoder.DiscardEncoding()
		cl.Destroy()
		return nil, err
	}

	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: tgt.tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageCopySrc,
			NewUsage: gputypes.TextureUsageCopyDst,
		},
	}})

	for i, view := range info.Views {
		src, ok := view.Source.(*Image)
		if !ok {
			return fail(fmt.Errorf("wgpu: foreign source image %T", view.Source))
		}
		if err := d.encodeView(encoder, cl, i, src, tgt, view); err != nil {
			return fail(err)
		}
	}

	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: tgt.tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageCopyDst,
			NewUsage: gputypes.TextureUsageCopySrc,
		},
	}})

	cl.buf, err = encoder.EndEncoding()
	if err != nil {
		cl.Destroy()
		return nil, fmt.Errorf("wgpu: ending encoding: %w", err)
	}
	return cl, nil
}

func (d *Device) encodeView(encoder hal.CommandEncoder, cl *commandList, i int, src, tgt *Image, view driver.CompositionView) error {
	srcW, srcH := src.width, src.height
	vp := view.Viewport
	if vp.W <= 0 || vp.H <= 0 {
		return fmt.Errorf("wgpu: view %d: degenerate viewport %+v", i, vp)
	}

	srcStride := alignedRowBytes(srcW)
	dstStride := alignedRowBytes(vp.W)

	srcBuf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("composite_src_%d", i),
		Size:  uint64(srcStride) * uint64(srcH),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: view %d: creating source buffer: %w", i, err)
	}
	cl.buffers = append(cl.buffers, srcBuf)

	dstBuf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("composite_dst_%d", i),
		Size:  uint64(dstStride) * uint64(vp.H),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("wgpu: view %d: creating output buffer: %w", i, err)
	}
	cl.buffers = append(cl.buffers, dstBuf)

	// Sampling runs target to source, so the shader gets the inverse of
	// the vertex rotation. Rotations are orthonormal: inverse = transpose.
	m := view.VertexRotation
	params := compositeParams{
		srcW: uint32(srcW), srcH: uint32(srcH), srcStride: uint32(srcStride / 4),
		dstW: uint32(vp.W), dstH: uint32(vp.H), dstStride: uint32(dstStride / 4),
		m: [4]float32{float32(m[0]), float32(m[2]), float32(m[1]), float32(m[3])},
	}
	paramsBuf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: fmt.Sprintf("composite_params_%d", i),
		Size:  paramsSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: view %d: creating params buffer: %w", i, err)
	}
	cl.buffers = append(cl.buffers, paramsBuf)
	d.q.WriteBuffer(paramsBuf, 0, params.pack())

	bg, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  fmt.Sprintf("composite_bg_%d", i),
		Layout: d.comp.bgLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: paramsBuf.NativeHandle()}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: srcBuf.NativeHandle()}},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: dstBuf.NativeHandle()}},
		},
	})
	if err != nil {
		return fmt.Errorf("wgpu: view %d: creating bind group: %w", i, err)
	}
	cl.bindGroups = append(cl.bindGroups, bg)

	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: src.tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageRenderAttachment,
			NewUsage: gputypes.TextureUsageCopySrc,
		},
	}})
	encoder.CopyTextureToBuffer(src.tex, srcBuf, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(srcStride),
			RowsPerImage: uint32(srcH),
		},
		TextureBase: hal.ImageCopyTexture{Texture: src.tex, MipLevel: 0},
		Size: hal.Extent3D{
			Width:              uint32(srcW),
			Height:             uint32(srcH),
			DepthOrArrayLayers: 1,
		},
	}})
	encoder.TransitionTextures([]hal.TextureBarrier{{
		Texture: src.tex,
		Usage: hal.TextureUsageTransition{
			OldUsage: gputypes.TextureUsageCopySrc,
			NewUsage: gputypes.TextureUsageRenderAttachment,
		},
	}})

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{
		Label: fmt.Sprintf("composite_view_%d", i),
	})
	pass.SetPipeline(d.comp.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(dispatchGroups(vp.W), dispatchGroups(vp.H), 1)
	pass.End()

	encoder.CopyBufferToTexture(dstBuf, tgt.tex, []hal.BufferTextureCopy{{
		BufferLayout: hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(dstStride),
			RowsPerImage: uint32(vp.H),
		},
		TextureBase: hal.ImageCopyTexture{
			Texture:  tgt.tex,
			MipLevel: 0,
			Origin:   hal.Origin3D{X: uint32(vp.X), Y: uint32(vp.Y)},
		},
		Size: hal.Extent3D{
			Width:              uint32(vp.W),
			Height:             uint32(vp.H),
			DepthOrArrayLayers: 1,
		},
	}})
	return nil
}

func dispatchGroups(n int) uint32 {
	return uint32((n + workgroupSize - 1) / workgroupSize)
}
