package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/edgecore/device/internal/certstore"
	"github.com/edgecore/device/internal/config"
)

// Menu colors and formatting (ANSI escape codes).
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
)

// Menu is the interactive operator console for an edgecore device.
type Menu struct {
	reader *bufio.Reader
	status *SystemStatus
}

// SystemStatus holds the current system state for display.
type SystemStatus struct {
	ConfigPath      string
	Selection       string
	FallbackActive  bool
	FallbackReason  string
	CLSMState       string
	MQTTConnected   bool
	MQTTBroker      string
	OverallHealth   string
	DeviceIdentity  string
}

// NewMenu creates a new interactive menu.
func NewMenu() *Menu {
	return &Menu{reader: bufio.NewReader(os.Stdin)}
}

// Run starts the interactive menu loop.
func (m *Menu) Run() {
	m.refreshStatus()

	for {
		m.clearScreen()
		m.printHeader()
		m.printStatus()
		m.printMainMenu()

		choice := m.prompt("Select an option")

		switch strings.ToLower(strings.TrimSpace(choice)) {
		case "1", "status":
			m.runStatus()
		case "2", "run":
			m.runForeground()
		case "3", "start":
			m.runDetached()
		case "4", "renew":
			m.runRenew()
		case "5", "cert":
			m.runCertDetails()
		case "6", "health":
			m.runHealthCheck()
		case "h", "help", "?":
			m.showHelp()
		case "q", "quit", "exit", "0":
			m.printGoodbye()
			return
		default:
			m.printError("Invalid option.")
			m.waitForEnter()
		}

		m.refreshStatus()
	}
}

func (m *Menu) clearScreen() {
	fmt.Print("\033[H\033[2J")
}

func (m *Menu) printHeader() {
	fmt.Println(colorCyan + banner + colorReset)
	fmt.Println(colorBold + "  Secure-Element Certificate Lifecycle & MQTT Transport" + colorReset)
	fmt.Println(colorDim + "  Version " + Version + colorReset)
	fmt.Println()
}

func (m *Menu) printStatus() {
	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)
	fmt.Println(colorBold + " DEVICE STATUS" + colorReset)
	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)

	fmt.Printf(" %s Config: %s\n", m.info(), m.status.ConfigPath)
	fmt.Printf(" %s Identity: %s\n", m.info(), m.status.DeviceIdentity)

	if m.status.FallbackActive {
		fmt.Printf(" %s Selection: %s (reason: %s)\n", m.warning(), colorYellow+m.status.Selection+colorReset, m.status.FallbackReason)
	} else {
		fmt.Printf(" %s Selection: %s\n", m.checkmark(true), m.status.Selection)
	}
	fmt.Printf(" %s CLSM state: %s\n", m.info(), m.status.CLSMState)

	if m.status.MQTTConnected {
		fmt.Printf(" %s MQTT: connected (%s)\n", m.checkmark(true), m.status.MQTTBroker)
	} else {
		fmt.Printf(" %s MQTT: %s\n", m.warning(), colorYellow+"not connected"+colorReset)
	}

	fmt.Printf(" %s Health: %s\n", m.checkmark(m.status.OverallHealth == "healthy"), m.status.OverallHealth)

	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)
	fmt.Println()
}

func (m *Menu) printMainMenu() {
	fmt.Println(colorBold + " MAIN MENU" + colorReset)
	fmt.Println()
	fmt.Println(colorCyan + " [1]" + colorReset + " Status            Print certificate/health snapshot")
	fmt.Println(colorCyan + " [2]" + colorReset + " Run               Start the daemon in the foreground")
	fmt.Println(colorCyan + " [3]" + colorReset + " Start detached     Start the daemon as a background process")
	fmt.Println(colorCyan + " [4]" + colorReset + " Renew              Request a Device certificate renewal")
	fmt.Println(colorCyan + " [5]" + colorReset + " Certificate        View installed certificate details")
	fmt.Println(colorCyan + " [6]" + colorReset + " Health             Run health checks now")
	fmt.Println()
	fmt.Println(colorDim + " [H] Help    [Q] Quit" + colorReset)
	fmt.Println()
}

func (m *Menu) showHelp() {
	m.clearScreen()
	m.printHeader()

	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)
	fmt.Println(colorBold + " HELP" + colorReset)
	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)
	fmt.Println()
	fmt.Println(colorDim + " edgecore binds a secure-element-resident certificate to a" + colorReset)
	fmt.Println(colorDim + " mutual-TLS MQTT transport. The signing key never leaves the" + colorReset)
	fmt.Println(colorDim + " secure element; every TLS handshake routes its sign step" + colorReset)
	fmt.Println(colorDim + " through it." + colorReset)
	fmt.Println()
	fmt.Println(colorBold + " COMMAND LINE USAGE:" + colorReset)
	fmt.Println()
	fmt.Println("   " + colorDim + "edgecore run" + colorReset)
	fmt.Println("   " + colorDim + "edgecore status" + colorReset)
	fmt.Println("   " + colorDim + "edgecore menu" + colorReset)
	fmt.Println()
	m.waitForEnter()
}

func (m *Menu) runStatus() {
	m.clearScreen()
	m.printHeader()
	fmt.Println(colorBold + " DEVICE STATUS" + colorReset)
	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)
	fmt.Println()
	cmdStatus()
	fmt.Println()
	m.waitForEnter()
}

func (m *Menu) runForeground() {
	m.clearScreen()
	m.printHeader()
	fmt.Println(colorBold + " RUN DAEMON (FOREGROUND)" + colorReset)
	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)
	fmt.Println()
	fmt.Println(colorDim + " This blocks the menu until Ctrl+C. Use 'Start detached' to" + colorReset)
	fmt.Println(colorDim + " keep the menu available." + colorReset)
	fmt.Println()
	if !m.confirm("Start the daemon in the foreground now?") {
		return
	}
	fmt.Println()
	cmdRun()
}

func (m *Menu) runDetached() {
	m.clearScreen()
	m.printHeader()
	fmt.Println(colorBold + " START DAEMON (DETACHED)" + colorReset)
	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)
	fmt.Println()

	exe, err := os.Executable()
	if err != nil {
		m.printError("Could not resolve this binary's path: " + err.Error())
		m.waitForEnter()
		return
	}

	cmd := exec.Command(exe, "run")
	cmd.SysProcAttr = getDaemonSysProcAttr()
	logPath := config.EdgecoreDir() + "/daemon.out"
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		m.printError("Failed to start daemon: " + err.Error())
		m.waitForEnter()
		return
	}

	m.printSuccess(fmt.Sprintf("Daemon started (pid %d), logging to %s", cmd.Process.Pid, logPath))
	m.waitForEnter()
}

func (m *Menu) runRenew() {
	m.clearScreen()
	m.printHeader()
	fmt.Println(colorBold + " REQUEST CERTIFICATE RENEWAL" + colorReset)
	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)
	fmt.Println()
	fmt.Println(colorDim + " This console does not build or publish a CSR itself;" + colorReset)
	fmt.Println(colorDim + " renewal runs inside a running daemon with MQTT connected." + colorReset)
	fmt.Println()
	if !m.confirm("Request renewal now?") {
		return
	}

	fmt.Println()
	m.printError("Renewal must be requested against a running daemon instance; use the daemon's own MQTT-triggered renewal or 'edgecore run'.")
	m.waitForEnter()
}

func (m *Menu) runCertDetails() {
	m.clearScreen()
	m.printHeader()
	fmt.Println(colorBold + " CERTIFICATE DETAILS" + colorReset)
	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)
	fmt.Println()

	d, err := NewDaemon(config.ConfigPath())
	if err != nil {
		m.printError(err.Error())
		m.waitForEnter()
		return
	}
	defer d.Close()

	ctx := context.Background()
	sel, err := d.clsm.Select(ctx)
	if err != nil {
		m.printError(err.Error())
		m.waitForEnter()
		return
	}

	der, err := certstore.ReadDER(ctx, d.seal, sel.CertSlot())
	if err != nil {
		m.printError(err.Error())
		m.waitForEnter()
		return
	}

	cert, err := certstore.Parse(der)
	if err != nil {
		m.printError(err.Error())
		m.waitForEnter()
		return
	}

	fmt.Printf(" Selection:  %s\n", sel.String())
	fmt.Printf(" Serial:     %s\n", cert.Serial.String())
	fmt.Printf(" Subject CN: %s\n", cert.SubjectCN)
	fmt.Printf(" Issuer CN:  %s\n", cert.IssuerCN)
	fmt.Printf(" Not before: %s\n", cert.NotBefore)
	fmt.Printf(" Not after:  %s\n", cert.NotAfter)
	if now, synced := d.time.Now(); synced {
		fmt.Printf(" Valid now:  %v\n", cert.IsValid(now))
	} else {
		fmt.Println(" Valid now:  unknown (clock not synchronized)")
	}

	fmt.Println()
	m.waitForEnter()
}

func (m *Menu) runHealthCheck() {
	m.clearScreen()
	m.printHeader()
	fmt.Println(colorBold + " HEALTH CHECK" + colorReset)
	fmt.Println(colorBold + "─────────────────────────────────────────────" + colorReset)
	fmt.Println()

	d, err := NewDaemon(config.ConfigPath())
	if err != nil {
		m.printError(err.Error())
		m.waitForEnter()
		return
	}
	defer d.Close()

	results := d.health.Check(context.Background())
	for name, result := range results {
		fmt.Printf(" %-12s %-10s %s\n", name, result.Status, result.Message)
	}
	fmt.Printf("\n Overall: %s\n", d.health.OverallStatus())

	fmt.Println()
	m.waitForEnter()
}

func (m *Menu) refreshStatus() {
	m.status = m.getSystemStatus()
}

func (m *Menu) getSystemStatus() *SystemStatus {
	status := &SystemStatus{ConfigPath: config.ConfigPath()}

	d, err := NewDaemon(config.ConfigPath())
	if err != nil {
		status.Selection = "unavailable"
		status.CLSMState = "unavailable"
		status.OverallHealth = "unknown"
		return status
	}
	defer d.Close()

	status.DeviceIdentity = d.identity.cn

	ctx := context.Background()
	sel, err := d.clsm.Select(ctx)
	if err == nil {
		status.Selection = sel.String()
		status.FallbackActive = d.clsm.FallbackObserved()
		status.FallbackReason = d.clsm.FallbackReason().String()
	}
	status.CLSMState = d.clsm.State().String()

	d.health.Check(ctx)
	status.OverallHealth = string(d.health.OverallStatus())

	d.mu.Lock()
	status.MQTTConnected = d.mqttClient != nil && d.mqttClient.IsConnected()
	status.MQTTBroker = fmt.Sprintf("%s:%d", d.cfg.MQTT.Host, d.cfg.MQTT.Port)
	d.mu.Unlock()

	return status
}

func (m *Menu) prompt(label string) string {
	fmt.Print(colorCyan + " " + label + ": " + colorReset)
	input, _ := m.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (m *Menu) confirm(message string) bool {
	fmt.Print(colorCyan + " " + message + " [y/N]: " + colorReset)
	input, _ := m.reader.ReadString('\n')
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "y" || input == "yes"
}

func (m *Menu) waitForEnter() {
	fmt.Print(colorDim + " Press Enter to continue..." + colorReset)
	m.reader.ReadString('\n')
}

func (m *Menu) printError(message string) {
	fmt.Println()
	fmt.Println(colorRed + " ✗ " + message + colorReset)
	fmt.Println()
}

func (m *Menu) printSuccess(message string) {
	fmt.Println(colorGreen + " ✓ " + message + colorReset)
}

func (m *Menu) printGoodbye() {
	fmt.Println()
	fmt.Println(colorDim + " Goodbye!" + colorReset)
	fmt.Println()
}

func (m *Menu) checkmark(ok bool) string {
	if ok {
		return colorGreen + "✓" + colorReset
	}
	return colorRed + "✗" + colorReset
}

func (m *Menu) warning() string {
	return colorYellow + "⚠" + colorReset
}

func (m *Menu) info() string {
	return colorDim + "○" + colorReset
}
