package imdbtune

import (
	"math"
	"sync"
)

// parallelFor runs body over [0, n) split into at most workers contiguous chunks.
// Each index is handled by exactly one goroutine, so kernels that write disjoint
// outputs per index stay deterministic regardless of the worker count.
func parallelFor(workers, n int, body func(i int)) {
	if workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			body(i)
		}
		return
	}
	if workers > n {
		workers = n
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				body(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// encoderForward iterates through the batch/sequence and combines the word token embeddings
// with the word position embeddings. This allows out vector to encode tokens and positions in one.
func encoderForward(out []float32, inp []int32, wte []float32, wpe []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			// Each vector is C elements long.
			startOutIndex := b*T*C + t*C
			// inp -> id -> wte[id]
			ix := int(inp[b*T+t])
			startWteIndex := ix * C
			// Wpe starts at 0 (when t is zero) which is basically mapping directly to index
			startWpeIndex := t * C
			for i := 0; i < C; i++ {
				out[startOutIndex+i] = wte[startWteIndex+i] + wpe[startWpeIndex+i]
			}
		}
	}
}

// encoderBackward calculates gradients during backpropagation
// dwte: gradients with respect to wte
// dwpe: gradients with respect to wpe
// dout: the gradient to apply to dwte and dwpe
func encoderBackward(dwte, dwpe []float32, dout []float32, inp []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBTOffset := b*T*C + t*C
			ix := int(inp[b*T+t])
			dwteIxOffset := ix * C
			dwpeTOffset := t * C
			for i := 0; i < C; i++ {
				d := dout[doutBTOffset+i]
				dwte[dwteIxOffset+i] += d
				dwpe[dwpeTOffset+i] += d
			}
		}
	}
}

// layernormForward normalises the activations in each layer.
// reference: https://pytorch.org/docs/stable/generated/torch.nn.LayerNorm.html
// both inp and out are (B,T,C) of the activations
// mean and rstd are (B,T) buffers, to be used later in backward pass
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int) {
	var eps float64 = 1e-5
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float64
			for i := 0; i < C; i++ {
				m += float64(x[i])
			}
			m /= float64(C)
			var v float64
			for i := 0; i < C; i++ {
				xshift := float64(x[i]) - m
				v += xshift * xshift
			}
			v /= float64(C)
			s := 1.0 / math.Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				// (val - mean) / std, then scale and shift
				n := s * (float64(x[i]) - m)
				outBT[i] = float32(n*float64(weight[i]) + float64(bias[i]))
			}
			mean[b*T+t] = float32(m)
			rstd[b*T+t] = float32(s)
		}
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*C + t*C
			doutBT := dout[baseIndex : baseIndex+C]
			inpBT := inp[baseIndex : baseIndex+C]
			dinpBT := dinp[baseIndex : baseIndex+C]
			meanBT := mean[b*T+t]
			rstdBT := rstd[b*T+t]

			// Reduce operations
			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dnormMean += dnormI
				dnormNormMean += dnormI * normBTI
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			// Accumulation loop
			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += normBTI * doutBT[i]

				var dval float32
				dval += dnormI                  // Term 1
				dval -= dnormMean               // Term 2
				dval -= normBTI * dnormNormMean // Term 3
				dval *= rstdBT                  // Final scale

				dinpBT[i] += dval
			}
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias.
// inp is (B,T,C), weight is (OC,C), bias is (OC) or nil, out is (B,T,OC).
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC, workers int) {
	parallelFor(workers, B*T, func(bt int) {
		inpBT := inp[bt*C : bt*C+C]
		outBT := out[bt*OC : bt*OC+OC]
		for o := 0; o < OC; o++ {
			var val float64
			if bias != nil {
				val = float64(bias[o])
			}
			wrow := weight[o*C : o*C+C]
			for i := 0; i < C; i++ {
				val += float64(inpBT[i]) * float64(wrow[i])
			}
			outBT[o] = float32(val)
		}
	})
}

// matmulBackward accumulates gradients into dinp (B,T,C), dweight (OC,C) and dbias (OC).
// Rows of dinp are split across workers first, then output channels of dweight/dbias.
func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC, workers int) {
	parallelFor(workers, B*T, func(bt int) {
		doutBT := dout[bt*OC : bt*OC+OC]
		dinpBT := dinp[bt*C : bt*C+C]
		for o := 0; o < OC; o++ {
			wrow := weight[o*C : o*C+C]
			d := doutBT[o]
			for i := 0; i < C; i++ {
				dinpBT[i] += wrow[i] * d
			}
		}
	})
	parallelFor(workers, OC, func(o int) {
		dwrow := dweight[o*C : o*C+C]
		for bt := 0; bt < B*T; bt++ {
			inpBT := inp[bt*C : bt*C+C]
			d := dout[bt*OC+o]
			if dbias != nil {
				dbias[o] += d
			}
			for i := 0; i < C; i++ {
				dwrow[i] += inpBT[i] * d
			}
		}
	})
}

// attentionForward performs the causal self-attention forward pass.
// input is (B, T, 3C) holding the query, key, value (Q, K, V) vectors
// preatt, att are (B, NH, T, T) holding the pre-softmax and post-softmax scores
// output is (B, T, C)
func attentionForward(out, preatt, att, inp []float32, B, T, C, NH, workers int) {
	C3 := C * 3
	hs := C / NH // head size
	scale := 1.0 / math.Sqrt(float64(hs))
	parallelFor(workers, B*T*NH, func(idx int) {
		b, t, h := idx/(T*NH), (idx/NH)%T, idx%NH
		queryT := inp[b*T*C3+t*C3+h*hs:]
		preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
		attBTH := att[b*NH*T*T+h*T*T+t*T:]

		// Pass 1: query dot key and running max
		maxval := -10000.0
		for t2 := 0; t2 <= t; t2++ {
			keyT2 := inp[b*T*C3+t2*C3+h*hs+C:] // +C because it's key
			var val float64
			for i := 0; i < hs; i++ {
				val += float64(queryT[i]) * float64(keyT2[i])
			}
			val *= scale
			if val > maxval {
				maxval = val
			}
			preattBTH[t2] = float32(val)
		}
		// Pass 2: exp and sum
		expsum := 0.0
		for t2 := 0; t2 <= t; t2++ {
			expv := math.Exp(float64(preattBTH[t2]) - maxval)
			expsum += expv
			attBTH[t2] = float32(expv)
		}
		expsumInv := 0.0
		if expsum != 0.0 {
			expsumInv = 1.0 / expsum
		}
		// Pass 3: normalise, future positions are masked to zero
		for t2 := 0; t2 < T; t2++ {
			if t2 <= t {
				attBTH[t2] *= float32(expsumInv)
			} else {
				attBTH[t2] = 0.0
			}
		}
		// Pass 4: weighted sum of values
		outBTH := out[b*T*C+t*C+h*hs:]
		for i := 0; i < hs; i++ {
			outBTH[i] = 0.0
		}
		for t2 := 0; t2 <= t; t2++ {
			valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:] // +C*2 because it's value
			attBTHT2 := attBTH[t2]
			for i := 0; i < hs; i++ {
				outBTH[i] += attBTHT2 * valueT2[i]
			}
		}
	})
}

// attentionBackward performs the backward pass for the attention mechanism.
// Work is split over (batch, head) pairs, which own disjoint slices of every gradient buffer.
func attentionBackward(dinp, dpreatt, datt, dout, inp, att []float32, B, T, C, NH, workers int) {
	C3 := C * 3
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	parallelFor(workers, B*NH, func(idx int) {
		b, h := idx/NH, idx%NH
		for t := 0; t < T; t++ {
			attBTH := att[b*NH*T*T+h*T*T+t*T:]
			dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
			dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
			dqueryT := dinp[b*T*C3+t*C3+h*hs:]
			queryT := inp[b*T*C3+t*C3+h*hs:]

			// Backward pass 4: value accumulation
			doutBTH := dout[b*T*C+t*C+h*hs:]
			for t2 := 0; t2 <= t; t2++ {
				valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
				dvalueT2 := dinp[b*T*C3+t2*C3+h*hs+C*2:]
				for i := 0; i < hs; i++ {
					dattBTH[t2] += valueT2[i] * doutBTH[i]
					dvalueT2[i] += attBTH[t2] * doutBTH[i]
				}
			}
			// Backward pass 2 & 3: softmax backward
			for t2 := 0; t2 <= t; t2++ {
				for t3 := 0; t3 <= t; t3++ {
					var indicator float32
					if t2 == t3 {
						indicator = 1.0
					}
					localDerivative := attBTH[t2] * (indicator - attBTH[t3])
					dpreattBTH[t3] += localDerivative * dattBTH[t2]
				}
			}
			// Backward pass 1: query @ key matmul
			for t2 := 0; t2 <= t; t2++ {
				keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
				dkeyT2 := dinp[b*T*C3+t2*C3+h*hs+C:]
				for i := 0; i < hs; i++ {
					dqueryT[i] += keyT2[i] * dpreattBTH[t2] * scale
					dkeyT2[i] += queryT[i] * dpreattBTH[t2] * scale
				}
			}
		}
	})
}

var geluScalingFactor = math.Sqrt(2.0 / math.Pi)

func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		out[i] = float32(0.5 * x * (1.0 + math.Tanh(geluScalingFactor*(x+cube))))
	}
}

// geluBackward computes the backward pass of the GeLU non-linearity
func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cube := 0.044715 * x * x * x
		tanhArg := geluScalingFactor * (x + cube)
		tanhOut := math.Tanh(tanhArg)
		coshOut := math.Cosh(tanhArg)
		sechOut := 1.0 / (coshOut * coshOut)
		localGrad := 0.5*(1.0+tanhOut) + x*0.5*sechOut*geluScalingFactor*(1.0+3.0*0.044715*x*x)
		dinp[i] += float32(localGrad) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, N int) {
	for i := 0; i < N; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

// poolLastForward gathers the hidden state of the last real token of every row.
// inp is (B,T,C), out is (B,C), lengths[b] is in [1, T].
func poolLastForward(out, inp []float32, lengths []int, B, T, C int) {
	for b := 0; b < B; b++ {
		t := lengths[b] - 1
		copy(out[b*C:b*C+C], inp[b*T*C+t*C:b*T*C+t*C+C])
	}
}

// poolLastBackward scatters dout (B,C) back into dinp (B,T,C); every other position gets no gradient.
func poolLastBackward(dinp, dout []float32, lengths []int, B, T, C int) {
	for b := 0; b < B; b++ {
		t := lengths[b] - 1
		dinpBT := dinp[b*T*C+t*C : b*T*C+t*C+C]
		for i := 0; i < C; i++ {
			dinpBT[i] += dout[b*C+i]
		}
	}
}

func softmaxForward(probs, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*V + t*V
			logitsBT := logits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]

			// Numerical Stability
			maxval := float32(-10000.0)
			for i := 0; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			sum := 0.0
			for i := 0; i < V; i++ {
				probsBT[i] = float32(math.Exp(float64(logitsBT[i] - maxval)))
				sum += float64(probsBT[i])
			}
			for i := 0; i < V; i++ {
				probsBT[i] /= float32(sum)
			}
		}
	}
}

func crossEntropyForward(losses []float32, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			startIndex := b*T*V + t*V
			ix := int(targets[b*T+t])
			// negative log of the probability for the correct target index
			losses[b*T+t] = float32(-math.Log(float64(probs[startIndex+ix])))
		}
	}
}

func crossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*V + t*V
			dlogitsBT := dlogits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]
			dloss := dlosses[b*T+t]
			ix := targets[b*T+t]
			for i := 0; i < V; i++ {
				var indicator float32
				if int32(i) == ix {
					indicator = 1.0
				}
				dlogitsBT[i] += (probsBT[i] - indicator) * dloss
			}
		}
	}
}
