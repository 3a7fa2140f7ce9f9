package web

import (
	"image/png"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnb666/deepanomaly/nnet"
	"github.com/jnb666/deepanomaly/num"
)

const size = 8

func testData() nnet.Data {
	rng := rand.New(rand.NewSource(1))
	n := 200
	labels := make([]int32, n)
	inputs := make([]float32, n*size*size)
	for i := range labels {
		labels[i] = int32(i % 10)
		cx, cy := float64(1+i%5), float64(2+(i%10)/5*3)
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				d2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
				inputs[i*size*size+y*size+x] = float32(2*math.Exp(-d2/4) - 1 + 0.05*rng.NormFloat64())
			}
		}
	}
	return nnet.NewData(10, []int{1, size, size}, labels, inputs)
}

func testConfig() nnet.Config {
	c := nnet.DefaultConfig()
	c.Encoder, c.Decoder = nil, nil
	c.TrainBatch = 8
	c.EvalNormal, c.EvalAbnormal = 5, 5
	c.Panels = 3
	c.SaliencySample = 1
	c.Perplexity = 3
	c.ProjectIter = 50
	c.MaxEpoch = 2
	c.UseAccel = false
	c = c.AddEncoder(
		nnet.Conv{Nfeats: 4, Size: 3, Stride: 2, Pad: 1},
		nnet.Activation{Atype: "relu"},
		nnet.Conv{Nfeats: 8, Size: 4},
	)
	return c.AddDecoder(
		nnet.Deconv{Nfeats: 4, Size: 4},
		nnet.Activation{Atype: "relu"},
		nnet.Deconv{Nfeats: 1, Size: 3, Stride: 2, Pad: 1, OutPad: 1},
		nnet.Activation{Atype: "tanh"},
	)
}

func setup(t *testing.T) (*Runner, *httptest.Server) {
	run := NewRunner(num.NewCPUDevice(), testConfig(), testData(), "")
	r, err := NewRouter(run)
	require.NoError(t, err)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return run, srv
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, string) {
	resp, err := srv.Client().Get(srv.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestNoReport(t *testing.T) {
	_, srv := setup(t)
	resp, body := get(t, srv, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/report", resp.Request.URL.Path)
	assert.Contains(t, body, "No report available")

	resp, _ = get(t, srv, "/plot/latent")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv, "/img/normal/input/0")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get(t, srv, "/img/other/input/0")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunAndView(t *testing.T) {
	run, srv := setup(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		run.Lock()
		defer run.Unlock()
		return len(run.conns) == 1
	}, time.Second, 10*time.Millisecond)

	resp, body := get(t, srv, "/train/start")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "epoch")

	var msgs []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Minute)))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		msgs = append(msgs, string(msg))
		if string(msg) == "done" {
			break
		}
	}
	run.Wait()
	assert.Len(t, msgs, 3)
	assert.True(t, strings.HasPrefix(msgs[0], "1:"), msgs[0])
	running, err := run.Status()
	assert.False(t, running)
	require.NoError(t, err)
	rep := run.Report()
	require.NotNil(t, rep)
	assert.Len(t, rep.Stats, 2)

	_, body = get(t, srv, "/report")
	assert.Contains(t, body, rep.ID.String())

	resp, err = srv.Client().Get(srv.URL + "/img/normal/output/2")
	require.NoError(t, err)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	m, err := png.Decode(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, size*imageScale, m.Bounds().Dx())

	resp, _ = get(t, srv, "/img/saliency/heat/0")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = get(t, srv, "/img/abnormal/input/99")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, name := range []string{"latent", "errors", "loss", "saliency"} {
		resp, body = get(t, srv, "/plot/"+name)
		assert.Equal(t, http.StatusOK, resp.StatusCode, name)
		assert.Contains(t, body, "<svg", name)
	}
	resp, _ = get(t, srv, "/plot/other")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = get(t, srv, "/train")
	assert.Contains(t, body, "<svg")
}

func TestStartWhileRunning(t *testing.T) {
	conf := testConfig()
	conf.MaxEpoch = 1000
	run := NewRunner(num.NewCPUDevice(), conf, testData(), "")
	require.NoError(t, run.Start())
	assert.Error(t, run.Start())
	run.Stop()
	run.Wait()
	_, err := run.Status()
	require.NoError(t, err)
	assert.Less(t, len(run.History()), 1000)
}

func TestStartInvalidConfig(t *testing.T) {
	conf := testConfig()
	conf.Normal = 20
	run := NewRunner(num.NewCPUDevice(), conf, testData(), "")
	require.NoError(t, run.Start())
	run.Wait()
	_, err := run.Status()
	assert.ErrorIs(t, err, nnet.ErrInvalidClass)
	assert.Nil(t, run.Report())
}

func TestConfigSave(t *testing.T) {
	run, srv := setup(t)
	current := func() nnet.Config {
		run.Lock()
		defer run.Unlock()
		return run.Conf
	}
	_, body := get(t, srv, "/config")
	assert.Contains(t, body, "SaliencySample")

	form := url.Values{}
	for _, f := range getFields(current()) {
		switch {
		case f.Name == "Normal":
			form.Set(f.Name, "3")
		case f.Boolean && f.On:
			form.Set(f.Name, "true")
		case !f.Boolean:
			form.Set(f.Name, f.Value)
		}
	}
	resp, err := srv.Client().PostForm(srv.URL+"/config/save", form)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, current().Normal)
	assert.Equal(t, testConfig().Encoder, current().Encoder)

	form.Set("MaxEpoch", "ten")
	resp, err = srv.Client().PostForm(srv.URL+"/config/save", form)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 2, current().MaxEpoch)

	get(t, srv, "/config/reset")
	assert.Equal(t, nnet.DefaultConfig().Normal, current().Normal)
}

func TestTrainHeadingEscaped(t *testing.T) {
	run, srv := setup(t)
	run.Lock()
	run.Conf.DataSet = `<script>alert(1)</script>`
	run.Unlock()
	resp, body := get(t, srv, "/train")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body, "<script>alert(1)</script>")
	assert.Contains(t, body, "&lt;script&gt;alert(1)&lt;/script&gt;")
}
