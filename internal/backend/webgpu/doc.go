// Package webgpu implements device.Device on WebGPU using go-webgpu
// (github.com/go-webgpu/webgpu) for zero-CGO bindings to wgpu-native.
//
// The backend is built on Windows, where go-webgpu loads wgpu_native.dll
// at runtime. On other platforms New returns device.ErrDeviceUnavailable.
package webgpu

// Name is the device name reported by the WebGPU backend.
const Name = "webgpu"
