package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/absfs/pagevault"
	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// credentialFlags selects one existing credential
type credentialFlags struct {
	passwordFile   string
	recoverySecret string
	recoveryFile   string
}

func (f *credentialFlags) register(cmd *cobra.Command, prefix, what string) {
	cmd.Flags().StringVar(&f.passwordFile, prefix+"password-file", "",
		"file holding the password "+what)
	cmd.Flags().StringVar(&f.recoverySecret, prefix+"recovery-secret", "",
		"recovery secret "+what)
	cmd.Flags().StringVar(&f.recoveryFile, prefix+"recovery-file", "",
		"file holding the recovery secret "+what)
}

func (f *credentialFlags) count() int {
	n := 0
	for _, v := range []string{f.passwordFile, f.recoverySecret, f.recoveryFile} {
		if v != "" {
			n++
		}
	}
	return n
}

// slotFlags describes the credentials to bind as new key slots
type slotFlags struct {
	credentialFlags
	generateRecovery bool
	passwordLabel    string
	recoveryLabel    string
}

func (f *slotFlags) register(cmd *cobra.Command, prefix string) {
	f.credentialFlags.register(cmd, prefix, "to bind to a new key slot")
	cmd.Flags().BoolVar(&f.generateRecovery, "generate-recovery", false,
		"generate a recovery secret, bind it and print it once")
	cmd.Flags().StringVar(&f.passwordLabel, "password-label", "password", "label of the password slot")
	cmd.Flags().StringVar(&f.recoveryLabel, "recovery-label", "recovery", "label of the recovery slot")
}

// unlockCredential resolves the credential used to open an archive. Without
// flags it prompts for a password when stdin is a terminal.
func (a *app) unlockCredential(f credentialFlags) (pagevault.Credential, error) {
	if f.count() > 1 {
		return nil, usageError("give only one of --password-file, --recovery-secret or --recovery-file")
	}

	switch {
	case f.passwordFile != "":
		return passwordFromFile(f.passwordFile)
	case f.recoverySecret != "":
		return recoveryFromString(f.recoverySecret)
	case f.recoveryFile != "":
		return recoveryFromFile(f.recoveryFile)
	}

	if !a.isTerminal() {
		return nil, usageError("no credential given: use --password-file, --recovery-secret or --recovery-file")
	}
	pw, err := a.readPassword("Password: ")
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(pw)
	return pagevault.Password(pw), nil
}

// newSlots resolves the credentials to bind. The formatted recovery secret
// is returned when one was generated.
func (a *app) newSlots(f slotFlags) ([]pagevault.SlotSpec, string, error) {
	if f.recoverySecret != "" && f.recoveryFile != "" {
		return nil, "", usageError("give only one of --recovery-secret or --recovery-file")
	}
	if f.generateRecovery && (f.recoverySecret != "" || f.recoveryFile != "") {
		return nil, "", usageError("--generate-recovery cannot be combined with a given recovery secret")
	}

	var specs []pagevault.SlotSpec
	var generated string

	if f.passwordFile != "" {
		cred, err := passwordFromFile(f.passwordFile)
		if err != nil {
			return nil, "", err
		}
		specs = append(specs, pagevault.SlotSpec{Label: f.passwordLabel, Credential: cred})
	}

	var recovery pagevault.Credential
	var err error
	switch {
	case f.recoverySecret != "":
		recovery, err = recoveryFromString(f.recoverySecret)
	case f.recoveryFile != "":
		recovery, err = recoveryFromFile(f.recoveryFile)
	case f.generateRecovery:
		var secret []byte
		secret, err = pagevault.GenerateRecoverySecret(nil)
		if err == nil {
			generated = pagevault.FormatRecoverySecret(secret)
			recovery = pagevault.RecoverySecret(secret)
			memguard.WipeBytes(secret)
		}
	}
	if err != nil {
		wipeSlots(specs)
		return nil, "", err
	}
	if recovery != nil {
		specs = append(specs, pagevault.SlotSpec{Label: f.recoveryLabel, Credential: recovery})
	}

	if len(specs) == 0 {
		if !a.isTerminal() {
			return nil, "", usageError("no new credential given: use --password-file, --recovery-secret, --recovery-file or --generate-recovery")
		}
		pw, err := a.readNewPassword()
		if err != nil {
			return nil, "", err
		}
		specs = append(specs, pagevault.SlotSpec{Label: f.passwordLabel, Credential: pagevault.Password(pw)})
		memguard.WipeBytes(pw)
	}
	return specs, generated, nil
}

func wipeSlots(specs []pagevault.SlotSpec) {
	for _, s := range specs {
		if s.Credential != nil {
			s.Credential.Wipe()
		}
	}
}

func passwordFromFile(path string) (pagevault.Credential, error) {
	data, err := readSecretFile(path)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(data)
	return pagevault.Password(data), nil
}

func recoveryFromString(s string) (pagevault.Credential, error) {
	secret, err := pagevault.ParseRecoverySecret(s)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(secret)
	return pagevault.RecoverySecret(secret), nil
}

func recoveryFromFile(path string) (pagevault.Credential, error) {
	data, err := readSecretFile(path)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(data)
	return recoveryFromString(string(data))
}

// readSecretFile reads a secret, dropping one trailing line ending
func readSecretFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}
	trimmed := bytes.TrimRight(data, "\r\n")
	out := append([]byte(nil), trimmed...)
	memguard.WipeBytes(data)
	return out, nil
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readPassword prompts on stderr and reads without echo
func (a *app) readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(a.stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(a.stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return pw, nil
}

func (a *app) readNewPassword() ([]byte, error) {
	pw, err := a.readPassword("New password: ")
	if err != nil {
		return nil, err
	}
	confirm, err := a.readPassword("Confirm password: ")
	if err != nil {
		memguard.WipeBytes(pw)
		return nil, err
	}
	defer memguard.WipeBytes(confirm)
	if !bytes.Equal(pw, confirm) {
		memguard.WipeBytes(pw)
		return nil, usageError("passwords do not match")
	}
	return pw, nil
}
