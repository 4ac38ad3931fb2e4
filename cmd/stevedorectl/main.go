package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"stevedore/internal/common"
	"stevedore/internal/logdriver"
	"stevedore/internal/stack"
)

const usage = `Usage: stevedorectl [flags] <command> [args]

Commands:
  deploy <stack.yaml>      deploy a stack file
  validate <stack.yaml>    validate a stack file without deploying
  ps                       list services
  inspect <service>        show one service
  stop <service>           stop a service
  start <service>          start a stopped service
  restart <service>        restart a service
  rm <service>             remove a service
  logs <service>           show service logs
  events                   show recent lifecycle events
`

func main() {
	var (
		daemonURL = flag.String("daemon-url", "http://localhost:7373", "Stevedore daemon URL")
		tail      = flag.Int("tail", 100, "Number of log lines for the logs command")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cli := &client{
		baseURL: *daemonURL,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}

	var err error
	switch args[0] {
	case "deploy":
		err = cli.deploy(requireArg(args, "stack file"))
	case "validate":
		err = validate(requireArg(args, "stack file"))
	case "ps":
		err = cli.ps()
	case "inspect":
		err = cli.inspect(requireArg(args, "service"))
	case "stop", "start", "restart":
		err = cli.action(requireArg(args, "service"), args[0])
	case "rm":
		err = cli.remove(requireArg(args, "service"))
	case "logs":
		err = cli.logs(requireArg(args, "service"), *tail)
	case "events":
		err = cli.events()
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func requireArg(args []string, name string) string {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s argument is required\n", name)
		os.Exit(2)
	}
	return args[1]
}

// validate 离线校验描述文件
func validate(path string) error {
	if _, err := stack.Load(path); err != nil {
		return err
	}
	fmt.Printf("%s is valid\n", path)
	return nil
}

type client struct {
	baseURL string
	http    *http.Client
}

func (c *client) deploy(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// 先在本地校验，错误信息比服务端返回的更友好
	if _, err := stack.Parse(data); err != nil {
		return err
	}

	resp, err := c.http.Post(c.baseURL+"/api/v1/stacks", "application/x-yaml", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}

	var result struct {
		Deployed []string `json:"deployed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	for _, name := range result.Deployed {
		fmt.Printf("deployed %s\n", name)
	}
	return nil
}

func (c *client) ps() error {
	var result struct {
		Services []common.ServiceStatus `json:"services"`
	}
	if err := c.get("/api/v1/services", &result); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tIMAGE\tSTATE\tHEALTH\tRESTARTS\tPORTS")
	for _, svc := range result.Services {
		ports := ""
		for i, p := range svc.Ports {
			if i > 0 {
				ports += ","
			}
			ports += p.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			svc.Name, svc.Image, svc.State, svc.Health, svc.Restarts, ports)
	}
	return w.Flush()
}

func (c *client) inspect(name string) error {
	var status common.ServiceStatus
	if err := c.get("/api/v1/services/"+name, &status); err != nil {
		return err
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func (c *client) action(name, action string) error {
	resp, err := c.http.Post(c.baseURL+"/api/v1/services/"+name+"/"+action, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", action, name)
	return nil
}

func (c *client) remove(name string) error {
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/v1/services/"+name, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", name)
	return nil
}

func (c *client) logs(name string, tail int) error {
	var result struct {
		Entries []logdriver.Entry `json:"entries"`
	}
	if err := c.get(fmt.Sprintf("/api/v1/services/%s/logs?tail=%d", name, tail), &result); err != nil {
		return err
	}
	for _, entry := range result.Entries {
		fmt.Printf("%s [%s] %s", entry.Time.Format(time.RFC3339), entry.Stream, entry.Log)
	}
	return nil
}

func (c *client) events() error {
	var result struct {
		Events []common.ServiceEvent `json:"events"`
	}
	if err := c.get("/api/v1/events", &result); err != nil {
		return err
	}
	for _, event := range result.Events {
		fmt.Printf("%s %s %s %s\n",
			event.Timestamp.Format(time.RFC3339), event.Service, event.Type, event.Message)
	}
	return nil
}

func (c *client) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var se common.StevedoreError
	if err := json.Unmarshal(body, &se); err == nil && se.Message != "" {
		return &se
	}
	return fmt.Errorf("daemon returned %s: %s", resp.Status, bytes.TrimSpace(body))
}
