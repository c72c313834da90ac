package rge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	acquisition "solarsync/internal/acquisition/domain"
)

// The portal's login hands the SPA a bearer token through an obfuscated
// script, so the handshake runs in a real browser. Once the token and the
// situation payload are captured off the wire, everything else is plain HTTP
// against the web API.

const (
	loginPageURL    = "https://www.cpfl.com.br/b2c-auth/login"
	profilePageURL  = "https://www.cpfl.com.br/agencia/area-cliente/selecionar-perfil-instalacao"
	homePageURL     = "https://www.cpfl.com.br/agencia-virtual/pagina-inicial"
	registrationURL = "https://www.cpfl.com.br/agencia/area-cliente/cadastro"
	reportPageURL   = "https://servicosonline.cpfl.com.br/agencia-webapp/#/micro-mini-geracao-relatorio"
	situationAPIURL = "https://servicosonline.cpfl.com.br/agencia-webapi/api/micro-mini-geracao/validar-situacao"

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/112.0.0.0 Safari/537.36 OPR/98.0.0.0"
)

// situationKeys are the payload fields replayed back to the web API.
var situationKeys = []string{
	"CodigoFase",
	"IndGrupoA",
	"Situacao",
	"ContaContrato",
	"CodigoClasse",
	"CodEmpresaSAP",
	"Instalacao",
	"ParceiroNegocio",
}

// Browser drives the portal login and collects one Session per active
// installation.
type Browser struct {
	logger  *log.Logger
	visible bool
}

// NewBrowser constructs the portal automation.
func NewBrowser(logger *log.Logger) (*Browser, error) {
	if logger == nil {
		return nil, errors.New("rge: nil logger")
	}
	return &Browser{logger: logger}, nil
}

// SetVisible shows the browser window, used when debugging the flow.
func (b *Browser) SetVisible(visible bool) { b.visible = visible }

type installationOption struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// capture accumulates what the network listener sees while the SPA loads.
type capture struct {
	mu        sync.Mutex
	token     string
	situation map[string]json.RawMessage
}

func (c *capture) reset() {
	c.mu.Lock()
	c.situation = nil
	c.mu.Unlock()
}

func (c *capture) snapshot() (string, map[string]json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.situation
}

// Sessions logs in, walks every active installation and returns one
// authenticated session per installation.
func (b *Browser) Sessions(ctx context.Context, cred acquisition.Credential) ([]Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !b.visible),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.UserAgent(browserUserAgent),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()
	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	caught := &capture{}
	chromedp.ListenTarget(browserCtx, func(ev any) {
		req, ok := ev.(*network.EventRequestWillBeSent)
		if !ok {
			return
		}
		if auth, ok := req.Request.Headers["Authorization"].(string); ok && auth != "" {
			caught.mu.Lock()
			caught.token = auth
			caught.mu.Unlock()
		}
		if req.Request.URL == situationAPIURL && req.Request.PostData != "" {
			var payload map[string]json.RawMessage
			if err := json.Unmarshal([]byte(req.Request.PostData), &payload); err != nil {
				return
			}
			situation := make(map[string]json.RawMessage, len(situationKeys))
			for _, key := range situationKeys {
				if value, ok := payload[key]; ok {
					situation[key] = value
				}
			}
			caught.mu.Lock()
			caught.situation = situation
			caught.mu.Unlock()
		}
	})

	if err := chromedp.Run(browserCtx, network.Enable()); err != nil {
		return nil, fmt.Errorf("rge: network capture: %w", err)
	}
	if err := b.login(browserCtx, cred); err != nil {
		return nil, err
	}
	if err := b.openProfilePage(browserCtx, cred); err != nil {
		return nil, err
	}

	options, err := b.activeInstallations(browserCtx)
	if err != nil {
		return nil, err
	}
	if len(options) == 0 {
		return nil, errors.New("rge: no active installations for this account")
	}

	var sessions []Session
	for i, option := range options {
		if i > 0 {
			if err := b.openProfilePage(browserCtx, cred); err != nil {
				return nil, err
			}
		}
		caught.reset()
		if err := b.enterInstallation(browserCtx, cred, option.ID); err != nil {
			return nil, fmt.Errorf("rge: installation %s: %w", option.ID, err)
		}
		token, situation := caught.snapshot()
		if token == "" || situation == nil {
			return nil, fmt.Errorf("rge: installation %s: token or situation not captured", option.ID)
		}
		sessions = append(sessions, Session{
			InstallationCode: strings.TrimPrefix(option.ID, "instalacao-"),
			Address:          option.Address,
			Token:            token,
			Situation:        situation,
		})
	}
	return sessions, nil
}

func (b *Browser) login(ctx context.Context, cred acquisition.Credential) error {
	if err := chromedp.Run(ctx,
		chromedp.Navigate(loginPageURL),
		chromedp.WaitVisible(`input#signInName`, chromedp.ByQuery),
		chromedp.SendKeys(`input#signInName`, cred.Username, chromedp.ByQuery),
		chromedp.SendKeys(`input#password`, cred.Password, chromedp.ByQuery),
		chromedp.Click(`button#next`, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("rge: login form: %w", err)
	}
	landings := []string{registrationURL, homePageURL, "https://servicosonline.cpfl.com.br/agencia-webapp/#/home"}
	if err := b.waitForAnyURL(ctx, landings, 15*time.Second); err != nil {
		// The portal sometimes stalls after authentication; a reload
		// completes the redirect.
		if err := chromedp.Run(ctx, chromedp.Reload()); err != nil {
			return err
		}
		if err := b.waitForAnyURL(ctx, landings, 15*time.Second); err != nil {
			return fmt.Errorf("rge: login redirect: %w", err)
		}
	}
	return nil
}

// openProfilePage loads the installation chooser and resolves the holder
// dropdown when the account manages more than one document.
func (b *Browser) openProfilePage(ctx context.Context, cred acquisition.Credential) error {
	if err := chromedp.Run(ctx, chromedp.Navigate(profilePageURL)); err != nil {
		return err
	}

	var holderPrompt bool
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = chromedp.Run(checkCtx,
		chromedp.Sleep(2*time.Second),
		chromedp.Evaluate(`document.body.innerText.includes('TITULAR')`, &holderPrompt),
	)
	if !holderPrompt {
		return nil
	}
	if cred.CPFCNPJ == "" {
		return ErrCPFNotFound
	}

	// The cookie banner overlaps the dropdown.
	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_ = chromedp.Run(closeCtx, chromedp.Click(`button.onetrust-close-btn-handler`, chromedp.ByQuery))

	if err := chromedp.Run(ctx,
		chromedp.Sleep(2*time.Second),
		chromedp.Click(`.selection`, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.Click(fmt.Sprintf(`//*[contains(text(), '%s')]`, cred.CPFCNPJ), chromedp.BySearch),
		chromedp.WaitReady(`input[type='radio'][id^='instalacao-']`, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("rge: holder selection: %w", err)
	}
	return nil
}

// activeInstallations lists the chooser's radio options whose label carries
// the active flag.
func (b *Browser) activeInstallations(ctx context.Context) ([]installationOption, error) {
	var options []installationOption
	err := chromedp.Run(ctx,
		chromedp.WaitReady(`div.form-item-instalacoes`, chromedp.ByQuery),
		chromedp.Evaluate(`
			Array.from(document.querySelectorAll('div.form-item-instalacoes')).map(div => {
				const radio = div.querySelector("input[type='radio'][id^='instalacao-']");
				if (!radio) return null;
				const label = div.querySelector("label[for='" + radio.id + "']");
				if (!label || !label.textContent.includes('Ativa')) return null;
				const address = Array.from(label.querySelectorAll('.texto-simples'))
					.map(el => el.textContent.trim()).join(' ');
				return {id: radio.id, address: address};
			}).filter(x => x !== null)
		`, &options),
	)
	if err != nil {
		return nil, fmt.Errorf("rge: installation list: %w", err)
	}
	return options, nil
}

// enterInstallation picks one installation and drives the SPA to the
// generation report page, which is where the token and the situation payload
// go over the wire.
func (b *Browser) enterInstallation(ctx context.Context, cred acquisition.Credential, radioID string) error {
	if err := b.chooseInstallation(ctx, radioID); err != nil {
		return err
	}

	if err := b.waitForAnyURL(ctx, []string{homePageURL}, 55*time.Second); err != nil {
		var currentURL string
		if err := chromedp.Run(ctx, chromedp.Evaluate(`window.location.href`, &currentURL)); err != nil {
			return err
		}
		if currentURL == registrationURL {
			if err := b.completeFirstAccess(ctx, cred); err != nil {
				return err
			}
		} else {
			// A stale session interposes a confirmation page; entering it
			// forces a fresh login.
			if err := chromedp.Run(ctx, chromedp.Click(`#btnEntrar`, chromedp.ByQuery)); err != nil {
				return fmt.Errorf("session confirmation: %w", err)
			}
			if err := b.login(ctx, cred); err != nil {
				return err
			}
			if err := b.openProfilePage(ctx, cred); err != nil {
				return err
			}
			if err := b.chooseInstallation(ctx, radioID); err != nil {
				return err
			}
		}
		if err := b.waitForAnyURL(ctx, []string{homePageURL}, 30*time.Second); err != nil {
			return fmt.Errorf("home page: %w", err)
		}
	}

	if err := chromedp.Run(ctx,
		chromedp.EmulateViewport(1920, 1080),
		chromedp.WaitVisible(`[name='minha conta']`, chromedp.ByQuery),
		chromedp.Evaluate(`document.querySelector("[name='minha conta']").click()`, nil),
		chromedp.WaitVisible(`[name='micro/minigeração - histórico']`, chromedp.ByQuery),
		chromedp.Evaluate(`document.querySelector("[name='micro/minigeração - histórico']").click()`, nil),
	); err != nil {
		return fmt.Errorf("generation history menu: %w", err)
	}

	if err := b.waitForAnyURL(ctx, []string{reportPageURL}, 45*time.Second); err != nil {
		if err := chromedp.Run(ctx, chromedp.Reload()); err != nil {
			return err
		}
		if err := b.waitForAnyURL(ctx, []string{reportPageURL}, 45*time.Second); err != nil {
			return fmt.Errorf("report page: %w", err)
		}
	}
	// Give the SPA a moment to fire its situation request.
	return chromedp.Run(ctx, chromedp.Sleep(5*time.Second))
}

func (b *Browser) chooseInstallation(ctx context.Context, radioID string) error {
	err := chromedp.Run(ctx,
		chromedp.WaitReady(fmt.Sprintf(`input[type='radio'][id='%s']`, radioID), chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(`document.getElementById('%s').click()`, radioID), nil),
		chromedp.Evaluate(`document.getElementById('goto-page-btn').click()`, nil),
	)
	if err != nil {
		return fmt.Errorf("choose installation: %w", err)
	}
	return nil
}

// completeFirstAccess accepts the terms of use and fills the phone number
// the registration page demands on a first visit.
func (b *Browser) completeFirstAccess(ctx context.Context, cred acquisition.Credential) error {
	if cred.Phone == "" {
		return ErrPhoneNotFound
	}
	err := chromedp.Run(ctx,
		chromedp.Click(`#edit-ts-cs`, chromedp.ByQuery),
		chromedp.Evaluate(fmt.Sprintf(`
			(() => {
				const field = document.getElementById('edit-celular');
				if (field && field.value === '') {
					field.setAttribute('value', %q);
				}
			})()
		`, cred.Phone), nil),
		chromedp.Click(`#goto-page-btn`, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("first access form: %w", err)
	}
	return nil
}

// waitForAnyURL polls the page location until it matches one of the wanted
// URLs or the timeout passes.
func (b *Browser) waitForAnyURL(ctx context.Context, wanted []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var currentURL string
		if err := chromedp.Run(ctx, chromedp.Evaluate(`window.location.href`, &currentURL)); err != nil {
			return err
		}
		for _, want := range wanted {
			if currentURL == want {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("rge: still at %s", currentURL)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
