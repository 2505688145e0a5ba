// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package voomfit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

const runtimeImage = "voomfit-runtime"

type eventMessage struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
	Properties struct {
		Text string
	}
}

// eventClient relays websocket events about subscribed objects to
// channels, reconnecting as needed.
type eventClient struct {
	*arvados.Client
	subscribers map[string]map[chan<- eventMessage]int
	done        chan struct{}
	conn        *websocket.Conn
	mtx         sync.Mutex
}

func sendFilter(conn *websocket.Conn, method, uuid string) {
	json.NewEncoder(conn).Encode(map[string]interface{}{
		"method": method,
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", []string{"stderr", "crunch-run", "update"}},
		},
	})
}

// Subscribe sends events about uuid to ch until a matching
// Unsubscribe.
func (ec *eventClient) Subscribe(ch chan<- eventMessage, uuid string) {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	if ec.subscribers == nil {
		ec.subscribers = map[string]map[chan<- eventMessage]int{}
		ec.done = make(chan struct{})
		go ec.run()
	}
	chans := ec.subscribers[uuid]
	if chans == nil {
		chans = map[chan<- eventMessage]int{}
		ec.subscribers[uuid] = chans
	}
	first := len(chans) == 0
	chans[ch]++
	if first && ec.conn != nil {
		go sendFilter(ec.conn, "subscribe", uuid)
	}
}

func (ec *eventClient) Unsubscribe(ch chan<- eventMessage, uuid string) {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	chans := ec.subscribers[uuid]
	switch n := chans[ch] - 1; {
	case n > 0:
		chans[ch] = n
	case n == 0:
		delete(chans, ch)
		if len(chans) > 0 {
			return
		}
		delete(ec.subscribers, uuid)
		if ec.conn != nil {
			go sendFilter(ec.conn, "unsubscribe", uuid)
		}
	}
}

func (ec *eventClient) Close() {
	ec.mtx.Lock()
	defer ec.mtx.Unlock()
	if ec.subscribers != nil {
		ec.subscribers = nil
		close(ec.done)
	}
}

func (ec *eventClient) dial() (*websocket.Conn, error) {
	var cluster arvados.Cluster
	err := ec.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	display := wsURL.String()
	wsURL.RawQuery = url.Values{"api_token": []string{ec.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return nil, fmt.Errorf("websocket connection error: %w", err)
	}
	log.Printf("connected to websocket at %s", display)
	return conn, nil
}

func (ec *eventClient) run() {
	for {
		conn, err := ec.dial()
		if err != nil {
			log.Warn(err)
			select {
			case <-ec.done:
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		ec.mtx.Lock()
		ec.conn = conn
		var resubscribe []string
		for uuid := range ec.subscribers {
			resubscribe = append(resubscribe, uuid)
		}
		ec.mtx.Unlock()
		go func() {
			for _, uuid := range resubscribe {
				sendFilter(conn, "subscribe", uuid)
			}
		}()
		if !ec.relay(conn) {
			return
		}
	}
}

// relay decodes events from conn until it fails (returns true, meaning
// reconnect) or the client is closed (returns false).
func (ec *eventClient) relay(conn *websocket.Conn) bool {
	dec := json.NewDecoder(conn)
	for {
		var msg eventMessage
		err := dec.Decode(&msg)
		select {
		case <-ec.done:
			return false
		default:
		}
		if err != nil {
			log.Printf("error decoding websocket message: %s", err)
			ec.mtx.Lock()
			ec.conn = nil
			ec.mtx.Unlock()
			go conn.Close()
			return true
		}
		ec.mtx.Lock()
		for ch := range ec.subscribers[msg.ObjectUUID] {
			ch := ch
			go func() { ch <- msg }()
		}
		ec.mtx.Unlock()
	}
}

var refreshTicker = time.NewTicker(5 * time.Second)

// containerRunner runs a voomfit subcommand (or another program) in
// an Arvados container and waits for it to finish.
type containerRunner struct {
	Client      *arvados.Client
	Name        string
	OutputName  string
	ProjectUUID string
	APIAccess   bool
	VCPUs       int
	RAM         int64
	Prog        string // if empty, run this voomfit binary
	Args        []string
	Mounts      map[string]map[string]interface{}
	Priority    int
	KeepCache   int // cache buffers per VCPU (0 for default)
	Preemptible bool
}

// Run submits the container request and returns the output
// collection UUID when the container completes successfully.
func (runner *containerRunner) Run(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided")
	}
	mounts := map[string]map[string]interface{}{
		"/mnt/output": {
			"kind":     "collection",
			"writable": true,
		},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	prog := runner.Prog
	if prog == "" {
		prog = "/mnt/cmd/voomfit"
		cmdUUID, err := runner.uploadSelf()
		if err != nil {
			return "", err
		}
		mounts["/mnt/cmd"] = map[string]interface{}{
			"kind": "collection",
			"uuid": cmdUUID,
		}
	}
	cr, err := runner.submit(append([]string{prog}, runner.Args...), mounts)
	if err != nil {
		return "", err
	}
	log.Printf("container request UUID: %s", cr.UUID)
	log.Printf("container UUID: %s", cr.ContainerUUID)

	err = runner.wait(ctx, &cr)
	if err != nil {
		return "", err
	}
	var c arvados.Container
	err = runner.Client.RequestAndDecode(&c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, nil
}

func (runner *containerRunner) submit(command []string, mounts map[string]map[string]interface{}) (arvados.ContainerRequest, error) {
	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	keepCache := runner.KeepCache
	if keepCache < 1 {
		keepCache = 2
	}
	rc := arvados.RuntimeConstraints{
		API:          runner.APIAccess,
		VCPUs:        runner.VCPUs,
		RAM:          runner.RAM,
		KeepCacheRAM: (1 << 26) * int64(keepCache) * int64(runner.VCPUs),
	}
	var outname interface{}
	if runner.OutputName != "" {
		outname = runner.OutputName
	}
	var cr arvados.ContainerRequest
	err := runner.Client.RequestAndDecode(&cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":          runner.ProjectUUID,
			"name":                runner.Name,
			"container_image":     runtimeImage,
			"command":             command,
			"mounts":              mounts,
			"use_existing":        true,
			"output_path":         "/mnt/output",
			"output_name":         outname,
			"runtime_constraints": rc,
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"scheduling_parameters": arvados.SchedulingParameters{
				Preemptible: runner.Preemptible,
				Partitions:  []string{},
			},
			"environment": map[string]string{
				"GOMAXPROCS": fmt.Sprintf("%d", rc.VCPUs),
			},
			"container_count_max": 1,
		},
	})
	return cr, err
}

// wait follows the container request until it is final, relaying
// the container's stderr to the local log. If ctx is cancelled the
// request's priority is set to zero.
func (runner *containerRunner) wait(ctx context.Context, cr *arvados.ContainerRequest) error {
	events := make(chan eventMessage)
	ec := eventClient{Client: runner.Client}
	defer ec.Close()
	subscribed := ""
	defer func() {
		if subscribed != "" {
			ec.Unsubscribe(events, subscribed)
		}
	}()
	tail := &logTail{runner: runner, cr: cr, offset: map[string]int64{}}
	lastState := cr.State
	refresh := func() {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		err := runner.Client.RequestAndDecodeContext(ctx, cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			tail.endLine()
			log.Printf("error getting container request: %s", err)
			return
		}
		if lastState != cr.State {
			tail.endLine()
			log.Printf("container request state: %s", cr.State)
			lastState = cr.State
		}
		if subscribed != cr.ContainerUUID {
			tail.endLine()
			if subscribed != "" {
				ec.Unsubscribe(events, subscribed)
			}
			log.Printf("subscribe container UUID: %s", cr.ContainerUUID)
			ec.Subscribe(events, cr.ContainerUUID)
			subscribed = cr.ContainerUUID
			tail.offset = map[string]int64{}
		}
	}

	const pollMin, pollMax = time.Second, 10 * time.Second
	poll := pollMin
	pollLogs := time.After(poll)
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{
					"priority": 0,
				},
			})
			if err != nil {
				log.Errorf("error while trying to cancel container request %s: %s", cr.UUID, err)
			}
			tail.endLine()
			return ctx.Err()
		case <-refreshTicker.C:
			refresh()
		case msg := <-events:
			if msg.EventType == "update" {
				refresh()
			}
		case <-pollLogs:
			if tail.fetch("stderr.txt") || tail.fetch("crunchstat.txt") {
				poll = pollMin
			} else if poll *= 2; poll > pollMax {
				poll = pollMax
			}
			pollLogs = time.After(poll)
		}
	}
	tail.endLine()
	return nil
}

var reCrunchstatRSS = regexp.MustCompile(`mem .* (\d+) rss`)

// logTail copies new lines of a container's log files to the local
// log. Memory usage lines from crunchstat are shown on a single
// status line.
type logTail struct {
	runner      *containerRunner
	cr          *arvados.ContainerRequest
	offset      map[string]int64
	needNewline bool
}

func (lt *logTail) endLine() {
	if lt.needNewline {
		fmt.Fprint(os.Stderr, "\n")
		lt.needNewline = false
	}
}

// fetch reports whether any new lines were found.
func (lt *logTail) fetch(fnm string) bool {
	client := lt.runner.Client
	req, err := http.NewRequest("GET", "https://"+client.APIHost+"/arvados/v1/container_requests/"+lt.cr.UUID+"/log/"+lt.cr.ContainerUUID+"/"+fnm, nil)
	if err != nil {
		log.Errorf("error preparing log request: %s", err)
		return false
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", lt.offset[fnm]))
	resp, err := client.Do(req)
	if err != nil {
		log.Errorf("error getting log data: %s", err)
		return false
	}
	defer resp.Body.Close()
	if (resp.StatusCode == http.StatusNotFound && lt.offset[fnm] == 0) ||
		(resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && lt.offset[fnm] > 0) {
		return false
	} else if resp.StatusCode >= 300 {
		log.Errorf("error getting log data: %s", resp.Status)
		return false
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Errorf("error reading log data: %s", err)
		return false
	}
	found := false
	for {
		eol := bytes.IndexByte(buf, '\n')
		if eol < 0 {
			break
		}
		line := string(buf[:eol])
		buf = buf[eol+1:]
		lt.offset[fnm] += int64(eol + 1)
		if line == "" {
			continue
		}
		found = true
		if fnm == "crunchstat.txt" {
			if m := reCrunchstatRSS.FindStringSubmatch(line); m != nil {
				rss, _ := strconv.ParseInt(m[1], 10, 64)
				fmt.Fprintf(os.Stderr, "%s rss %.3f GB           \r", lt.cr.UUID, float64(rss)/1e9)
				lt.needNewline = true
			}
			continue
		}
		lt.endLine()
		log.Print(line)
	}
	return found
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths rewrites each path that refers to an Arvados
// collection so it points at the collection's mount inside the
// container, adding the mount. Empty paths and "-" are left alone.
func (runner *containerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		if _, ok := runner.Mounts["/mnt/"+collID]; !ok {
			mnt := map[string]interface{}{
				"kind": "collection",
			}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts["/mnt/"+collID] = mnt
		}
		*path = "/mnt/" + collID + m[3]
	}
	return nil
}

var uploadSelfMtx sync.Mutex

// uploadSelf stores the running binary in a collection in the
// project, reusing an existing collection with the same version and
// blake2b hash.
func (runner *containerRunner) uploadSelf() (string, error) {
	uploadSelfMtx.Lock()
	defer uploadSelfMtx.Unlock()
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	hash := fmt.Sprintf("%x", blake2b.Sum256(exe))
	cname := "voomfit " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: hash},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		coll := existing.Items[0]
		log.Printf("using voomfit binary in existing collection %s (name is %q, hash is %q)", coll.UUID, cname, hash)
		return coll.UUID, nil
	}
	log.Printf("writing voomfit binary to new collection %q", cname)
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, keepclient.New(ac))
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("voomfit", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	if _, err = f.Write(exe); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties": map[string]interface{}{
				"blake2b": hash,
			},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored voomfit binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}
