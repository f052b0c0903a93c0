package kernel

import "fmt"

// tileSize is the edge of the 16x16 workgroup used by tiled kernels.
const tileSize = 16

// softmaxWorkgroup is the number of rows one softmax workgroup handles.
const softmaxWorkgroup = 256

// tensorWGSL declares the device tensor layout shared by every kernel:
// the shape header followed by the row-major payload.
const tensorWGSL = `
struct Shape {
  batches: u32,
  rows: u32,
  cols: u32,
}

struct Tensor {
  shape: Shape,
  tensor: array<f32>,
}

// min() clamps every coordinate, so an axis of extent 1 reads as if it
// were spread along any larger extent.
fn tensor_idx(shape: Shape, batch: u32, row: u32, col: u32) -> u32 {
  return min(batch, shape.batches - 1u) * shape.rows * shape.cols
    + min(row, shape.rows - 1u) * shape.cols
    + min(col, shape.cols - 1u);
}

fn in_bounds(shape: Shape, batch: u32, row: u32, col: u32) -> bool {
  return batch < shape.batches && row < shape.rows && col < shape.cols;
}
`

// tiledMain opens the entry point of a 16x16 tiled kernel and returns
// early for invocations outside the result.
const tiledMain = `
@compute @workgroup_size(16, 16, 1) fn main(
  @builtin(global_invocation_id) id: vec3<u32>,
) {
  let batch = id.z;
  let row = id.x;
  let col = id.y;

  if (!in_bounds(result.shape, batch, row, col)) {
    return;
  }
`

const copyShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> input: Tensor;
@group(0) @binding(1) var<storage, read_write> result: Tensor;
` + tiledMain + `
  result.tensor[tensor_idx(result.shape, batch, row, col)] =
    input.tensor[tensor_idx(input.shape, batch, row, col)];
}
`

const matmulBody = `
  var value: f32 = 0.0;
  for (var i = 0u; i < a.shape.cols; i += 1u) {
    value += a.tensor[tensor_idx(a.shape, batch, row, i)]
      * b.tensor[tensor_idx(b.shape, batch, i, col)];
  }
`

const matmulShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> a: Tensor;
@group(0) @binding(1) var<storage, read> b: Tensor;
@group(0) @binding(2) var<storage, read_write> result: Tensor;
` + tiledMain + matmulBody + `
  result.tensor[tensor_idx(result.shape, batch, row, col)] = value;
}
`

const matmulBiasShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> a: Tensor;
@group(0) @binding(1) var<storage, read> b: Tensor;
@group(0) @binding(2) var<storage, read> c: Tensor;
@group(0) @binding(3) var<storage, read_write> result: Tensor;
` + tiledMain + matmulBody + `
  value += c.tensor[tensor_idx(c.shape, batch, row, col)];
  result.tensor[tensor_idx(result.shape, batch, row, col)] = value;
}
`

const layerNormShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> input: Tensor;
@group(0) @binding(1) var<storage, read> scale: Tensor;
@group(0) @binding(2) var<storage, read> bias: Tensor;
@group(0) @binding(3) var<storage, read_write> result: Tensor;
` + tiledMain + `
  let cols = input.shape.cols;

  var mean = 0.0;
  for (var i = 0u; i < cols; i += 1u) {
    mean += input.tensor[tensor_idx(input.shape, batch, row, i)];
  }
  mean /= f32(cols);

  var variance = 0.0;
  for (var i = 0u; i < cols; i += 1u) {
    let d = input.tensor[tensor_idx(input.shape, batch, row, i)] - mean;
    variance += d * d;
  }
  variance /= f32(cols);

  let value = input.tensor[tensor_idx(input.shape, batch, row, col)];
  let s = scale.tensor[tensor_idx(scale.shape, batch, row, col)];
  let b = bias.tensor[tensor_idx(bias.shape, batch, row, col)];

  result.tensor[tensor_idx(result.shape, batch, row, col)] =
    (value - mean) / sqrt(variance + 0.00001) * s + b;
}
`

const softmaxShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> input: Tensor;
@group(0) @binding(1) var<storage, read_write> result: Tensor;

@compute @workgroup_size(256, 1) fn main(
  @builtin(global_invocation_id) id: vec3<u32>,
) {
  let batch = id.y;
  let row = id.x;

  if (!in_bounds(result.shape, batch, row, 0u)) {
    return;
  }

  var rowMax = input.tensor[tensor_idx(input.shape, batch, row, 0u)];
  for (var col = 1u; col < input.shape.cols; col += 1u) {
    rowMax = max(rowMax, input.tensor[tensor_idx(input.shape, batch, row, col)]);
  }

  var sum: f32 = 0.0;
  for (var col = 0u; col < input.shape.cols; col += 1u) {
    let e = exp(input.tensor[tensor_idx(input.shape, batch, row, col)] - rowMax);
    sum += e;
    result.tensor[tensor_idx(result.shape, batch, row, col)] = e;
  }

  for (var col = 0u; col < input.shape.cols; col += 1u) {
    result.tensor[tensor_idx(result.shape, batch, row, col)] /= sum;
  }
}
`

const geluShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> input: Tensor;
@group(0) @binding(1) var<storage, read_write> result: Tensor;
` + tiledMain + `
  let x = input.tensor[tensor_idx(input.shape, batch, row, col)];
  result.tensor[tensor_idx(result.shape, batch, row, col)] =
    0.5 * x * (1.0 + tanh(0.797884 * (x + 0.044715 * x * x * x)));
}
`

const transposeShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> input: Tensor;
@group(0) @binding(1) var<storage, read_write> result: Tensor;
` + tiledMain + `
  result.tensor[tensor_idx(result.shape, batch, row, col)] =
    input.tensor[tensor_idx(input.shape, batch, col, row)];
}
`

const mergeTemplate = tensorWGSL + `
@group(0) @binding(0) var<storage, read> a: Tensor;
@group(0) @binding(1) var<storage, read> b: Tensor;
@group(0) @binding(2) var<storage, read_write> result: Tensor;
` + tiledMain + `
  let x = a.tensor[tensor_idx(a.shape, batch, row, col)];
  let y = b.tensor[tensor_idx(b.shape, batch, row, col)];
  result.tensor[tensor_idx(result.shape, batch, row, col)] = %s;
}
`

var mergeExpressions = map[MergeMethod]string{
	Add: "x + y",
	Sub: "x - y",
	Mul: "x * y",
	Div: "x / y",
	Min: "min(x, y)",
	Max: "max(x, y)",
}

func mergeShader(method MergeMethod) string {
	expr, ok := mergeExpressions[method]
	if !ok {
		panic(fmt.Sprintf("kernel: unknown merge method %d", int(method)))
	}
	return fmt.Sprintf(mergeTemplate, expr)
}

const attentionMaskShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> input: Tensor;
@group(0) @binding(1) var<storage, read_write> result: Tensor;
` + tiledMain + `
  if (row < col) {
    result.tensor[tensor_idx(result.shape, batch, row, col)] = -0x1p+127f;
  } else {
    result.tensor[tensor_idx(result.shape, batch, row, col)] =
      input.tensor[tensor_idx(input.shape, batch, row, col)];
  }
}
`

const splitHeadsShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> input: Tensor;
@group(0) @binding(1) var<storage, read_write> result: Tensor;
` + tiledMain + `
  result.tensor[tensor_idx(result.shape, batch, row, col)] =
    input.tensor[tensor_idx(input.shape, 0u, row, batch * result.shape.cols + col)];
}
`

const mergeHeadsShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> input: Tensor;
@group(0) @binding(1) var<storage, read_write> result: Tensor;
` + tiledMain + `
  let head = col / input.shape.cols;
  let headCol = col % input.shape.cols;
  result.tensor[tensor_idx(result.shape, batch, row, col)] =
    input.tensor[tensor_idx(input.shape, head, row, headCol)];
}
`

const embedShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> input: Tensor;
@group(0) @binding(1) var<storage, read> chunk1: Tensor;
@group(0) @binding(2) var<storage, read> chunk2: Tensor;
@group(0) @binding(3) var<storage, read_write> result: Tensor;
` + tiledMain + `
  let key = u32(input.tensor[tensor_idx(input.shape, batch, 0u, row)]);

  if (key < chunk1.shape.rows) {
    result.tensor[tensor_idx(result.shape, batch, row, col)] =
      chunk1.tensor[tensor_idx(chunk1.shape, 0u, key, col)];
  } else {
    result.tensor[tensor_idx(result.shape, batch, row, col)] =
      chunk2.tensor[tensor_idx(chunk2.shape, 0u, key - chunk1.shape.rows, col)];
  }
}
`

const concatColsShader = tensorWGSL + `
@group(0) @binding(0) var<storage, read> a: Tensor;
@group(0) @binding(1) var<storage, read> b: Tensor;
@group(0) @binding(2) var<storage, read_write> result: Tensor;
` + tiledMain + `
  if (col < a.shape.cols) {
    result.tensor[tensor_idx(result.shape, batch, row, col)] =
      a.tensor[tensor_idx(a.shape, batch, row, col)];
  } else {
    result.tensor[tensor_idx(result.shape, batch, row, col)] =
      b.tensor[tensor_idx(b.shape, batch, row, col - a.shape.cols)];
  }
}
`
