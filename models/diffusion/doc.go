// Package diffusion implements the network architectures used by diffusion-based
// generative models: the ADM U-Net family of Dhariwal & Nichol, "Diffusion models beat
// GANs on image synthesis" (NeurIPS 2021), assembled from a small library of layer
// primitives (positional embedding, linear projection, 2D convolution with optional
// resampling, group normalization and an attention-equipped residual block).
//
// Two architectures are provided:
//
//   - GuidanceNet: the encoder half of the U-Net with a pooling head, producing one
//     guidance vector per image. Used to steer sampling (e.g. classifier guidance).
//   - DhariwalUNet: the full encoder/decoder U-Net, mapping a noisy image to a
//     denoised image of the same shape.
//
// All layers are graph-building functions: they take a context.Context that owns the
// learnable parameters (created on first use, keyed by the context scope) and
// *graph.Node inputs, and return the output node. Feature maps are laid out
// channels-first, shaped [batch, channels, height, width]. Both architectures
// implement models.Module and register themselves with the models registry.
package diffusion
